// Package registry 维护已登录连接、在线状态监听者以及随机用户池。
package registry

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Connection 是已认证的一条连接。
type Connection interface {
	UIN() types.UIN
	UserData() *userdata.Handle
}

// PresenceListener 接收其他用户的上线、下线通知。
type PresenceListener interface {
	UserOnline(uin types.UIN, nickname string)
	UserOffline(uin types.UIN)
}

// PresenceSeeder 由需要完整在线名单的连接实现。EarlyLogin 在登记该连接的
// 同一临界区内调用 SeedPresence，之后的变化全部经 PresenceListener 到达。
// SeedPresence 在注册表锁内执行，不得回调注册表。
type PresenceSeeder interface {
	SeedPresence(online []types.UIN)
}

// Pinner 在登录期间固定用户数据条目，由 *userdata.Cache 实现。
type Pinner interface {
	HubLogin(h *userdata.Handle) bool
	HubLogout(h *userdata.Handle)
}

// Entry 是在线用户的展示信息。
type Entry struct {
	UIN      types.UIN       `json:"uin"`
	Nickname string          `json:"nickname"`
	Flags    types.UserFlags `json:"flags"`
	Random   bool            `json:"random"`
}

type Registry struct {
	mu       sync.RWMutex
	conns    map[types.UIN]Connection
	pool     []types.UIN
	poolIdx  map[types.UIN]int
	pinner   Pinner
	maxUsers int
}

// New 创建注册表，maxUsers 为 0 表示不限制。
func New(pinner Pinner, maxUsers int) *Registry {
	return &Registry{
		conns:    make(map[types.UIN]Connection),
		poolIdx:  make(map[types.UIN]int),
		pinner:   pinner,
		maxUsers: maxUsers,
	}
}

// EarlyLogin 登记连接并返回需要通知上线的监听者。
// 调用方在收到返回值后、释放该 UIN 的顺序锁前完成通知。
func (r *Registry) EarlyLogin(conn Connection) ([]PresenceListener, error) {
	uin := conn.UIN()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[uin]; ok {
		return nil, merr.WrapErrAlreadyLoggedIn(uin)
	}
	// 系统身份不占用名额
	if r.maxUsers > 0 && uin.Kind() != types.KindSystem && r.countUsersLocked() >= r.maxUsers {
		return nil, merr.WrapErrServiceTooManyUsers(r.maxUsers)
	}
	if !r.pinner.HubLogin(conn.UserData()) {
		return nil, merr.WrapErrAlreadyLoggedIn(uin)
	}

	listeners := r.listenersLocked()
	if seeder, ok := conn.(PresenceSeeder); ok {
		seeder.SeedPresence(lo.Keys(r.conns))
	}
	r.conns[uin] = conn
	r.considerLocked(uin)
	metrics.OnlineUsers.Set(float64(len(r.conns)))
	return listeners, nil
}

// EarlyLogout 注销连接并返回需要通知下线的监听者。
// conn 已不是该 UIN 的当前连接时返回 nil。
func (r *Registry) EarlyLogout(conn Connection) []PresenceListener {
	uin := conn.UIN()
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[uin]; !ok || cur != conn {
		return nil
	}
	delete(r.conns, uin)
	r.removeFromPoolLocked(uin)
	r.pinner.HubLogout(conn.UserData())
	metrics.OnlineUsers.Set(float64(len(r.conns)))
	return r.listenersLocked()
}

// ConsiderRandomStatus 按当前标志重新判断 uin 是否进入随机池。
func (r *Registry) ConsiderRandomStatus(uin types.UIN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.considerLocked(uin)
}

func (r *Registry) considerLocked(uin types.UIN) {
	conn, ok := r.conns[uin]
	if ok && randomEligible(conn) {
		if _, in := r.poolIdx[uin]; !in {
			r.poolIdx[uin] = len(r.pool)
			r.pool = append(r.pool, uin)
		}
		return
	}
	r.removeFromPoolLocked(uin)
}

func (r *Registry) removeFromPoolLocked(uin types.UIN) {
	idx, ok := r.poolIdx[uin]
	if !ok {
		return
	}
	last := len(r.pool) - 1
	r.pool[idx] = r.pool[last]
	r.poolIdx[r.pool[idx]] = idx
	r.pool = r.pool[:last]
	delete(r.poolIdx, uin)
}

func randomEligible(conn Connection) bool {
	if conn.UIN().Kind() != types.KindRegular {
		return false
	}
	h := conn.UserData()
	return h != nil && !h.Flags().Has(types.FlagNoRandom)
}

func (r *Registry) listenersLocked() []PresenceListener {
	listeners := make([]PresenceListener, 0, len(r.conns))
	for _, conn := range r.conns {
		if l, ok := conn.(PresenceListener); ok {
			listeners = append(listeners, l)
		}
	}
	return listeners
}

func (r *Registry) countUsersLocked() int {
	n := 0
	for uin := range r.conns {
		if uin.Kind() != types.KindSystem {
			n++
		}
	}
	return n
}

func (r *Registry) Get(uin types.UIN) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[uin]
	return conn, ok
}

func (r *Registry) IsOnline(uin types.UIN) bool {
	_, ok := r.Get(uin)
	return ok
}

// RandomOnline 从随机池中等概率挑选一个不等于 exclude 的 UIN。
func (r *Registry) RandomOnline(exclude types.UIN) (types.UIN, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.pool)
	if idx, in := r.poolIdx[exclude]; in {
		if n == 1 {
			return 0, false
		}
		// 在去掉 exclude 后的 n-1 个位置中选
		pick := rand.IntN(n - 1)
		if pick >= idx {
			pick++
		}
		return r.pool[pick], true
	}
	if n == 0 {
		return 0, false
	}
	return r.pool[rand.IntN(n)], true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot 返回按 UIN 排序的在线用户列表。
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.conns))
	for uin, conn := range r.conns {
		e := Entry{UIN: uin}
		if h := conn.UserData(); h != nil {
			e.Nickname = h.Nickname()
			e.Flags = h.Flags()
		}
		_, e.Random = r.poolIdx[uin]
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UIN < entries[j].UIN })
	return entries
}

// Connections 返回当前所有连接的副本。
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
