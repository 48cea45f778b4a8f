// Package hub 是消息路由与在线状态的门面：登录登出、投递、离线保存、拒收回弹以及管理操作。
package hub

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/registry"
	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/conc"
	"github.com/lk2023060901/warp-hub-go/pkg/util/lock"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const (
	DefaultMaxMessageSize = 256 << 10
	defaultPoolSize       = 64
)

var (
	DefaultServerUIN = types.NewUIN(1, types.KindSystem)
	DefaultSystemUIN = types.NewUIN(2, types.KindSystem)

	// DefaultSpooledChannels 中的频道事件在收件人离线时保存。
	DefaultSpooledChannels = []string{"add_to_contact_book", "system_message"}
)

// Config 是 hub 的运行参数。
type Config struct {
	ServerUIN         types.UIN
	SystemUIN         types.UIN
	SystemNickname    string
	AllowRegistration bool
	MaxUsers          int
	MaxMessageSize    int
	SpooledChannels   []string
	// PoolSize 是异步任务（失败处理、离线消息删除）协程池大小。
	PoolSize int
}

func (c *Config) normalize() {
	if c.ServerUIN.IsZero() {
		c.ServerUIN = DefaultServerUIN
	}
	if c.SystemUIN.IsZero() {
		c.SystemUIN = DefaultSystemUIN
	}
	if c.SystemNickname == "" {
		c.SystemNickname = "system"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.SpooledChannels == nil {
		c.SpooledChannels = DefaultSpooledChannels
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
}

// Deps 是 hub 的协作方。Firewall 为 nil 时使用 DefaultFirewall。
type Deps struct {
	Cache    *userdata.Cache
	Spool    storage.SpoolStore
	Firewall Firewall
}

// Delivery 由能接收消息的连接实现。
// done 非 nil 时表示需要投递确认；返回错误意味着 done 不会被调用。
type Delivery interface {
	IncomingMessage(envelope []byte, done func(delivered bool)) error
}

// Kicker 由可被强制断开的连接实现。
type Kicker interface {
	Kick(reason string)
}

type Hub struct {
	cfg       Config
	cache     *userdata.Cache
	privilege userdata.Privilege
	spool     storage.SpoolStore
	firewall  Firewall
	registry  *registry.Registry
	keys      *lock.KeyLock[types.UIN]
	pool      *conc.Pool[struct{}]
	channels  map[string]types.SendType
	closed    atomic.Bool
}

func New(cfg Config, deps Deps) *Hub {
	cfg.normalize()
	h := &Hub{
		cfg:       cfg,
		cache:     deps.Cache,
		privilege: deps.Cache.Privilege(),
		spool:     deps.Spool,
		firewall:  deps.Firewall,
		registry:  registry.New(deps.Cache, cfg.MaxUsers),
		keys:      lock.NewKeyLock[types.UIN](),
		pool:      conc.NewPool[struct{}](cfg.PoolSize, conc.WithConcealPanic(true)),
		channels:  make(map[string]types.SendType),
	}
	if h.firewall == nil {
		h.firewall = NewDefaultFirewall(cfg)
	}
	for _, ch := range cfg.SpooledChannels {
		h.channels[ch] = types.SendSpooled
	}
	return h
}

func (h *Hub) Config() Config {
	return h.cfg
}

func (h *Hub) ServerUIN() types.UIN {
	return h.cfg.ServerUIN
}

func (h *Hub) SystemUIN() types.UIN {
	return h.cfg.SystemUIN
}

func (h *Hub) Cache() *userdata.Cache {
	return h.cache
}

func (h *Hub) IsOnline(uin types.UIN) bool {
	return h.registry.IsOnline(uin)
}

// RandomOnlineUIN 随机挑选一个可被随机到的在线用户。
func (h *Hub) RandomOnlineUIN(exclude types.UIN) (types.UIN, bool) {
	return h.registry.RandomOnline(exclude)
}

func (h *Hub) OnlineCount() int {
	return h.registry.Count()
}

func (h *Hub) Online() []registry.Entry {
	return h.registry.Snapshot()
}

func (h *Hub) Closed() bool {
	return h.closed.Load()
}

// Authenticate 校验凭据，必要时注册新用户，返回长期句柄。
func (h *Hub) Authenticate(ctx context.Context, user, pass string) (*userdata.Handle, error) {
	if h.closed.Load() {
		return nil, merr.WrapErrServiceUnavailable("hub closed")
	}
	return h.cache.UsernameAndPasswordLookup(ctx, user, pass, h.cfg.AllowRegistration)
}

// Login 登记连接并通知其他在线用户。
// 在该 UIN 的顺序锁内完成全部通知，同一 UIN 的上下线通知严格有序。
func (h *Hub) Login(ctx context.Context, conn registry.Connection) error {
	if h.closed.Load() {
		return merr.WrapErrServiceUnavailable("hub closed")
	}
	uin := conn.UIN()
	h.keys.Lock(uin)
	defer h.keys.Unlock(uin)

	listeners, err := h.registry.EarlyLogin(conn)
	if err != nil {
		return err
	}
	nickname := conn.UserData().Nickname()
	for _, l := range listeners {
		l.UserOnline(uin, nickname)
	}
	log.Ctx(ctx).Info("user logged in", log.FieldUIN(uin), zap.Int("listeners", len(listeners)))
	return nil
}

// Logout 注销连接并通知其他在线用户，对未登记的连接无操作。
func (h *Hub) Logout(ctx context.Context, conn registry.Connection) {
	uin := conn.UIN()
	h.keys.Lock(uin)
	defer h.keys.Unlock(uin)

	listeners := h.registry.EarlyLogout(conn)
	if listeners == nil {
		return
	}
	for _, l := range listeners {
		l.UserOffline(uin)
	}
	log.Ctx(ctx).Info("user logged out", log.FieldUIN(uin))
}

// Kick 断开 uin 的当前连接。
func (h *Hub) Kick(uin types.UIN, reason string) bool {
	conn, ok := h.registry.Get(uin)
	if !ok {
		return false
	}
	k, ok := conn.(Kicker)
	if !ok {
		return false
	}
	log.Info("kicking user", log.FieldUIN(uin), zap.String("reason", reason))
	k.Kick(reason)
	return true
}

// Close 拒绝新的登录并断开所有连接。可重复调用。
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	for _, conn := range h.registry.Connections() {
		if k, ok := conn.(Kicker); ok {
			k.Kick("server shutting down")
		}
	}
	h.pool.Release()
	metrics.OnlineUsers.Set(0)
}

// async 在协程池中执行 fn；池已关闭时同步执行。
func (h *Hub) async(fn func()) {
	f := h.pool.Submit(func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	// 提交失败时 future 立即完成并携带 ErrServiceUnavailable
	if f.Done() && errors.Is(f.Err(), merr.ErrServiceUnavailable) {
		fn()
	}
}
