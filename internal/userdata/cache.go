package userdata

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/auth"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
	"github.com/lk2023060901/warp-hub-go/pkg/util/retry"
)

const (
	DefaultRegistrationAttempts uint   = 16
	DefaultMinRandomUID         uint32 = 100
)

// Config 控制注册行为。
type Config struct {
	// RegistrationAttempts 是随机 uid 冲突时的最大尝试次数。
	RegistrationAttempts uint
	NewUserKind          types.Kind
	NewUserFlags         types.UserFlags
	// MinRandomUID 以下的 uid 保留给系统身份。
	MinRandomUID uint32
}

func (c *Config) normalize() {
	if c.RegistrationAttempts == 0 {
		c.RegistrationAttempts = DefaultRegistrationAttempts
	}
	if c.NewUserKind == types.KindSystem {
		c.NewUserKind = types.KindRegular
	}
	if c.MinRandomUID == 0 {
		c.MinRandomUID = DefaultMinRandomUID
	}
}

type Option func(*Cache)

func WithHasher(h auth.PasswordHasher) Option {
	return func(c *Cache) { c.hasher = h }
}

func WithTOTP(v auth.TOTPVerifier) Option {
	return func(c *Cache) { c.totp = v }
}

// WithUIDSource 替换注册时的随机 uid 来源。
func WithUIDSource(fn func() uint32) Option {
	return func(c *Cache) { c.randomUID = fn }
}

// Cache 是进程内的用户数据缓存。
// 两个索引共用一把粗粒度锁，引用计数归零时在同一临界区内从两个索引中移除。
type Cache struct {
	mu     sync.Mutex
	byUIN  map[types.UIN]*entry
	byNick map[string]*entry

	store     Store
	hasher    auth.PasswordHasher
	totp      auth.TOTPVerifier
	randomUID func() uint32
	cfg       Config
}

func New(store Store, cfg Config, opts ...Option) *Cache {
	cfg.normalize()
	c := &Cache{
		byUIN:  make(map[types.UIN]*entry),
		byNick: make(map[string]*entry),
		store:  store,
		hasher: auth.NewBcryptHasher(0),
		totp:   auth.NewTOTP(),
		cfg:    cfg,
	}
	c.randomUID = func() uint32 {
		return cfg.MinRandomUID + rand.Uint32N(math.MaxInt32-cfg.MinRandomUID)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetByUIN 返回不计引用的快照句柄。
func (c *Cache) GetByUIN(ctx context.Context, uin types.UIN) (*Handle, error) {
	c.mu.Lock()
	e, ok := c.byUIN[uin]
	c.mu.Unlock()
	if ok {
		return &Handle{snap: e.snapshot()}, nil
	}
	rec, err := c.store.GetByUIN(ctx, uin)
	if err != nil {
		return nil, err
	}
	return &Handle{snap: *rec}, nil
}

// GetByNickname 返回不计引用的快照句柄。
func (c *Cache) GetByNickname(ctx context.Context, nickname string) (*Handle, error) {
	folded := Fold(nickname)
	c.mu.Lock()
	e, ok := c.byNick[folded]
	c.mu.Unlock()
	if ok {
		return &Handle{snap: e.snapshot()}, nil
	}
	rec, err := c.store.GetByNickname(ctx, folded)
	if err != nil {
		return nil, err
	}
	return &Handle{snap: *rec}, nil
}

// OpenByUINLT 返回计数引用的长期句柄，调用方必须恰好 Release 一次。
func (c *Cache) OpenByUINLT(ctx context.Context, uin types.UIN) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.byUIN[uin]; ok {
		e.refs.Inc()
		c.mu.Unlock()
		return c.newHandle(e), nil
	}
	c.mu.Unlock()

	// 加载在锁外进行，插入时再检查一次
	rec, err := c.store.GetByUIN(ctx, uin)
	if err != nil {
		return nil, err
	}
	return c.insert(rec), nil
}

// OpenByNicknameLT 同 OpenByUINLT，按昵称查找。
func (c *Cache) OpenByNicknameLT(ctx context.Context, nickname string) (*Handle, error) {
	folded := Fold(nickname)
	c.mu.Lock()
	if e, ok := c.byNick[folded]; ok {
		e.refs.Inc()
		c.mu.Unlock()
		return c.newHandle(e), nil
	}
	c.mu.Unlock()

	rec, err := c.store.GetByNickname(ctx, folded)
	if err != nil {
		return nil, err
	}
	return c.insert(rec), nil
}

// OpenOrCreateLT 打开 rec.UIN 对应的长期句柄，记录不存在时先按 rec 创建。
// 用于系统机器人这类由进程自己维护的身份。
func (c *Cache) OpenOrCreateLT(ctx context.Context, rec *Record) (*Handle, error) {
	h, err := c.OpenByUINLT(ctx, rec.UIN)
	if !errors.Is(err, merr.ErrUserNotFound) {
		return h, err
	}
	if rec.Folded == "" {
		rec.Folded = Fold(rec.Nickname)
	}
	if err := c.store.Create(ctx, rec); err != nil && !errors.Is(err, merr.ErrDuplicateUIN) {
		return nil, err
	}
	return c.OpenByUINLT(ctx, rec.UIN)
}

func (c *Cache) newHandle(e *entry) *Handle {
	return &Handle{snap: e.snapshot(), e: e, cache: c}
}

func (c *Cache) insert(rec *Record) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byUIN[rec.UIN]; ok {
		e.refs.Inc()
		return c.newHandle(e)
	}
	if rec.Folded == "" {
		rec.Folded = Fold(rec.Nickname)
	}
	e := &entry{rec: *rec}
	e.refs.Store(1)
	c.byUIN[rec.UIN] = e
	if _, taken := c.byNick[rec.Folded]; !taken {
		c.byNick[rec.Folded] = e
	}
	metrics.UserCacheEntries.Set(float64(len(c.byUIN)))
	return c.newHandle(e)
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decRefLocked(e)
}

func (c *Cache) decRefLocked(e *entry) {
	left := e.refs.Dec()
	if left > 0 {
		return
	}
	if left < 0 {
		log.Error("user entry refcount below zero", log.FieldUIN(e.rec.UIN), zap.Int32("refs", left))
	}
	if c.byUIN[e.rec.UIN] == e {
		delete(c.byUIN, e.rec.UIN)
	}
	if c.byNick[e.rec.Folded] == e {
		delete(c.byNick, e.rec.Folded)
	}
	metrics.UserCacheEntries.Set(float64(len(c.byUIN)))
}

// HubLogin 把条目固定为已登录，固定本身计一次引用。
// 仅由连接注册表在其锁内调用，已固定时返回 false。
func (c *Cache) HubLogin(h *Handle) bool {
	if !h.IsLive() || h.cache != c {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.e.pinned {
		return false
	}
	h.e.pinned = true
	h.e.refs.Inc()
	return true
}

// HubLogout 解除 HubLogin 的固定。
func (c *Cache) HubLogout(h *Handle) {
	if h == nil || h.e == nil || h.cache != c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !h.e.pinned {
		log.Warn("hub logout on unpinned user entry", log.FieldUIN(h.snap.UIN))
		return
	}
	h.e.pinned = false
	c.decRefLocked(h.e)
}

// UsernameAndPasswordLookup 校验凭据并返回长期句柄；
// 昵称不存在且允许注册时创建新用户。失败路径上不会遗留任何引用。
func (c *Cache) UsernameAndPasswordLookup(ctx context.Context, user, pass string, allowRegister bool) (*Handle, error) {
	if Fold(user) == "" {
		return nil, merr.WrapErrAuthInvalid(user, "empty nickname")
	}
	h, err := c.OpenByNicknameLT(ctx, user)
	switch {
	case err == nil:
		return c.verify(h, user, pass)
	case errors.Is(err, merr.ErrUserNotFound):
		if !allowRegister {
			return nil, merr.WrapErrAuthInvalid(user, "unknown nickname")
		}
		return c.register(ctx, user, pass)
	default:
		return nil, err
	}
}

func (c *Cache) verify(h *Handle, user, pass string) (*Handle, error) {
	password := pass
	if secret := h.TOTPSecret(); secret != "" {
		var code string
		password, code = auth.SplitSecondFactor(pass)
		if !c.totp.VerifyTOTP(secret, code) {
			h.Release()
			return nil, merr.WrapErrAuthInvalid(user, "second factor rejected")
		}
	}
	if !c.hasher.Verify(h.PasswordHash(), password) {
		h.Release()
		return nil, merr.WrapErrAuthInvalid(user)
	}
	if h.Flags().Has(types.FlagFrozen) {
		h.Release()
		return nil, merr.WrapErrAuthFrozen(user)
	}
	return h, nil
}

func (c *Cache) register(ctx context.Context, user, pass string) (*Handle, error) {
	if err := ValidateNickname(user); err != nil {
		return nil, merr.WrapErrAuthInvalid(user, err.Error())
	}
	hash, err := c.hasher.Hash(pass)
	if err != nil {
		return nil, merr.WrapErrServiceInternal(err.Error(), "hash password")
	}

	var h *Handle
	err = retry.Handle(ctx, func() (bool, error) {
		rec := &Record{
			UIN:          types.NewUIN(c.randomUID(), c.cfg.NewUserKind),
			Nickname:     user,
			Folded:       Fold(user),
			PasswordHash: hash,
			Flags:        c.cfg.NewUserFlags,
		}
		err := c.store.Create(ctx, rec)
		switch {
		case err == nil:
			h = c.insert(rec)
			return false, nil
		case errors.Is(err, merr.ErrDuplicateUIN):
			return true, err
		case errors.Is(err, merr.ErrDuplicateNickname):
			// 并发注册了同名用户，按普通登录校验
			existing, err := c.OpenByNicknameLT(ctx, user)
			if err != nil {
				return false, err
			}
			h, err = c.verify(existing, user, pass)
			return false, err
		default:
			return false, err
		}
	}, retry.Attempts(c.cfg.RegistrationAttempts), retry.Sleep(time.Millisecond), retry.MaxSleepTime(20*time.Millisecond))
	if err != nil {
		if errors.Is(err, merr.ErrDuplicateUIN) {
			return nil, merr.WrapErrRegistrationExhausted(user, c.cfg.RegistrationAttempts)
		}
		return nil, err
	}
	log.Ctx(ctx).Info("registered new user", log.FieldUIN(h.UIN()), zap.String("nickname", user))
	return h, nil
}

// Stats 是缓存状态统计。
type Stats struct {
	Entries int `json:"entries"`
	Pinned  int `json:"pinned"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: len(c.byUIN)}
	for _, e := range c.byUIN {
		if e.pinned {
			s.Pinned++
		}
	}
	return s
}

// RefCount 返回 uin 对应条目的引用数，不在缓存中时返回 false。
func (c *Cache) RefCount(uin types.UIN) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byUIN[uin]
	if !ok {
		return 0, false
	}
	return e.refs.Load(), true
}
