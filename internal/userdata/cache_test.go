package userdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/warp-hub-go/internal/auth"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// plainHasher 仅用于测试，避免 bcrypt 的开销。
type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "plain:" + p, nil }
func (plainHasher) Verify(h, p string) bool       { return h == "plain:"+p }

type fakeStore struct {
	mu     sync.Mutex
	byUIN  map[types.UIN]Record
	loads  atomic.Int32
	update atomic.Int32
	// onCreate 在写入前调用，返回非 nil 时直接作为 Create 的结果。
	onCreate func(rec *Record) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byUIN: make(map[types.UIN]Record)}
}

func (s *fakeStore) put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Folded = Fold(rec.Nickname)
	s.byUIN[rec.UIN] = rec
}

func (s *fakeStore) GetByUIN(_ context.Context, uin types.UIN) (*Record, error) {
	s.loads.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byUIN[uin]
	if !ok {
		return nil, merr.WrapErrUserNotFound(uin)
	}
	return &rec, nil
}

func (s *fakeStore) GetByNickname(_ context.Context, folded string) (*Record, error) {
	s.loads.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byUIN {
		if rec.Folded == folded {
			return &rec, nil
		}
	}
	return nil, merr.WrapErrUserNotFound(folded)
}

func (s *fakeStore) Create(_ context.Context, rec *Record) error {
	if s.onCreate != nil {
		if err := s.onCreate(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUIN[rec.UIN]; ok {
		return merr.WrapErrDuplicateUIN(rec.UIN)
	}
	for _, r := range s.byUIN {
		if r.Folded == rec.Folded {
			return merr.WrapErrDuplicateNickname(rec.Nickname)
		}
	}
	s.byUIN[rec.UIN] = *rec
	return nil
}

func (s *fakeStore) Update(_ context.Context, rec *Record) error {
	s.update.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUIN[rec.UIN]; !ok {
		return merr.WrapErrUserNotFound(rec.UIN)
	}
	s.byUIN[rec.UIN] = *rec
	return nil
}

type CacheSuite struct {
	suite.Suite
	ctx   context.Context
	store *fakeStore
	cache *Cache
	alice types.UIN
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newFakeStore()
	s.alice = types.NewUIN(1000, types.KindRegular)
	s.store.put(Record{UIN: s.alice, Nickname: "Alice", PasswordHash: "plain:secret"})
	s.cache = New(s.store, Config{}, WithHasher(plainHasher{}))
}

func (s *CacheSuite) refs(uin types.UIN) int32 {
	n, ok := s.cache.RefCount(uin)
	if !ok {
		return 0
	}
	return n
}

func (s *CacheSuite) TestSnapshotIsNotCounted() {
	h, err := s.cache.GetByUIN(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Equal("Alice", h.Nickname())
	s.False(h.IsLive())
	s.Equal(0, s.cache.Stats().Entries)
	h.Release()

	_, err = s.cache.GetByNickname(s.ctx, "nobody")
	s.ErrorIs(err, merr.ErrUserNotFound)
}

func (s *CacheSuite) TestOpenSharesEntry() {
	h1, err := s.cache.OpenByUINLT(s.ctx, s.alice)
	s.Require().NoError(err)
	h2, err := s.cache.OpenByNicknameLT(s.ctx, "ALICE")
	s.Require().NoError(err)
	s.Equal(int32(2), s.refs(s.alice))
	s.Equal(int32(1), s.store.loads.Load())

	h1.Release()
	s.Equal(int32(1), s.refs(s.alice))
	h1.Release()
	s.Equal(int32(1), s.refs(s.alice), "double release must not decrement")

	h2.Release()
	s.Equal(0, s.cache.Stats().Entries)

	snap, err := s.cache.GetByNickname(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(s.alice, snap.UIN())
}

func (s *CacheSuite) TestHubLoginPins() {
	h, err := s.cache.OpenByUINLT(s.ctx, s.alice)
	s.Require().NoError(err)
	s.True(s.cache.HubLogin(h))
	s.False(s.cache.HubLogin(h))
	s.Equal(int32(2), s.refs(s.alice))
	s.Equal(Stats{Entries: 1, Pinned: 1}, s.cache.Stats())

	h.Release()
	s.Equal(int32(1), s.refs(s.alice))
	s.cache.HubLogout(h)
	s.Equal(0, s.cache.Stats().Entries)

	snap, err := s.cache.GetByUIN(s.ctx, s.alice)
	s.Require().NoError(err)
	s.False(s.cache.HubLogin(snap))
}

func (s *CacheSuite) TestConcurrentOpenRelease() {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := s.cache.OpenByUINLT(s.ctx, s.alice)
				if !s.NoError(err) {
					return
				}
				h.Release()
			}
		}()
	}
	wg.Wait()
	s.Equal(0, s.cache.Stats().Entries)
}

func (s *CacheSuite) TestLookupVerifies() {
	h, err := s.cache.UsernameAndPasswordLookup(s.ctx, "alice", "secret", false)
	s.Require().NoError(err)
	s.Equal(s.alice, h.UIN())
	h.Release()

	_, err = s.cache.UsernameAndPasswordLookup(s.ctx, "alice", "wrong", true)
	s.ErrorIs(err, merr.ErrAuthInvalid)
	s.Equal(0, s.cache.Stats().Entries)

	_, err = s.cache.UsernameAndPasswordLookup(s.ctx, "bob", "pw", false)
	s.ErrorIs(err, merr.ErrAuthInvalid)

	_, err = s.cache.UsernameAndPasswordLookup(s.ctx, "  ", "pw", true)
	s.True(merr.IsAuthError(err))
}

func (s *CacheSuite) TestFrozenAccount() {
	uin := types.NewUIN(2000, types.KindRegular)
	s.store.put(Record{UIN: uin, Nickname: "ice", PasswordHash: "plain:pw", Flags: types.FlagFrozen})
	_, err := s.cache.UsernameAndPasswordLookup(s.ctx, "ice", "pw", false)
	s.ErrorIs(err, merr.ErrAuthFrozen)
	s.Equal(0, s.cache.Stats().Entries)
}

func (s *CacheSuite) TestSecondFactor() {
	totp := auth.NewTOTP()
	now := time.Unix(1_700_000_000, 0)
	totp.Now = func() time.Time { return now }
	s.cache = New(s.store, Config{}, WithHasher(plainHasher{}), WithTOTP(totp))

	const secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	uin := types.NewUIN(3000, types.KindRegular)
	s.store.put(Record{UIN: uin, Nickname: "carol", PasswordHash: "plain:pa:ss", TOTPSecret: secret})

	code, err := totp.Code(secret, now)
	s.Require().NoError(err)

	h, err := s.cache.UsernameAndPasswordLookup(s.ctx, "carol", "pa:ss:"+code, false)
	s.Require().NoError(err)
	h.Release()

	_, err = s.cache.UsernameAndPasswordLookup(s.ctx, "carol", "pa:ss", false)
	s.ErrorIs(err, merr.ErrAuthInvalid)
	s.Equal(0, s.cache.Stats().Entries)
}

func (s *CacheSuite) TestRegister() {
	s.cache = New(s.store, Config{}, WithHasher(plainHasher{}), WithUIDSource(func() uint32 { return 4242 }))
	h, err := s.cache.UsernameAndPasswordLookup(s.ctx, "Dave", "pw", true)
	s.Require().NoError(err)
	s.Equal(types.NewUIN(4242, types.KindRegular), h.UIN())
	s.True(h.IsLive())
	h.Release()

	again, err := s.cache.UsernameAndPasswordLookup(s.ctx, "dave", "pw", false)
	s.Require().NoError(err)
	again.Release()
}

func (s *CacheSuite) TestRegisterInvalidNickname() {
	_, err := s.cache.UsernameAndPasswordLookup(s.ctx, " spaced", "pw", true)
	s.ErrorIs(err, merr.ErrAuthInvalid)
}

func (s *CacheSuite) TestRegisterExhausted() {
	// 固定返回已占用的 uid
	s.cache = New(s.store, Config{RegistrationAttempts: 4}, WithHasher(plainHasher{}),
		WithUIDSource(func() uint32 { return s.alice.ID() }))
	_, err := s.cache.UsernameAndPasswordLookup(s.ctx, "erin", "pw", true)
	s.ErrorIs(err, merr.ErrRegistrationExhausted)
	s.True(merr.IsAuthError(err))
	s.Equal(0, s.cache.Stats().Entries)
}

func (s *CacheSuite) TestRegisterRetriesCollision() {
	var calls atomic.Uint32
	s.cache = New(s.store, Config{}, WithHasher(plainHasher{}), WithUIDSource(func() uint32 {
		if calls.Inc() < 3 {
			return s.alice.ID()
		}
		return 5555
	}))
	h, err := s.cache.UsernameAndPasswordLookup(s.ctx, "frank", "pw", true)
	s.Require().NoError(err)
	s.Equal(uint32(5555), h.UIN().ID())
	h.Release()
}

func (s *CacheSuite) TestRegisterRaceOnNickname() {
	// 模拟另一个连接抢先注册了同名用户
	racer := types.NewUIN(7777, types.KindRegular)
	s.store.onCreate = func(rec *Record) error {
		s.store.onCreate = nil
		s.store.put(Record{UIN: racer, Nickname: rec.Nickname, PasswordHash: "plain:pw"})
		return merr.WrapErrDuplicateNickname(rec.Nickname)
	}
	h, err := s.cache.UsernameAndPasswordLookup(s.ctx, "gina", "pw", true)
	s.Require().NoError(err)
	s.Equal(racer, h.UIN())
	h.Release()

	s.store.onCreate = func(rec *Record) error {
		s.store.onCreate = nil
		s.store.put(Record{UIN: types.NewUIN(7778, types.KindRegular), Nickname: rec.Nickname, PasswordHash: "plain:other"})
		return merr.WrapErrDuplicateNickname(rec.Nickname)
	}
	_, err = s.cache.UsernameAndPasswordLookup(s.ctx, "hank", "pw", true)
	s.ErrorIs(err, merr.ErrAuthInvalid)
	s.Equal(0, s.cache.Stats().Entries)
}

func (s *CacheSuite) TestPrivilegedMutation() {
	h, err := s.cache.OpenByUINLT(s.ctx, s.alice)
	s.Require().NoError(err)
	defer h.Release()

	p := s.cache.Privilege()
	s.Require().NoError(SetFlags(s.ctx, p, h, types.FlagAdmin))
	s.True(h.Flags().Has(types.FlagAdmin))
	s.Require().NoError(SetPasswordHash(s.ctx, p, h, "plain:new"))
	s.Equal("plain:new", h.PasswordHash())
	s.Equal(int32(2), s.store.update.Load())

	stored, err := s.store.GetByUIN(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Equal(types.FlagAdmin, stored.Flags)

	snap, err := s.cache.GetByUIN(s.ctx, s.alice)
	s.Require().NoError(err)
	s.ErrorIs(SetFlags(s.ctx, p, snap, 0), merr.ErrPermissionDenied)
	s.ErrorIs(SetFlags(s.ctx, Privilege{}, h, 0), merr.ErrPermissionDenied)

	other, err := s.cache.OpenByUINLT(s.ctx, s.alice)
	s.Require().NoError(err)
	other.Release()
	s.ErrorIs(SetFlags(s.ctx, p, other, 0), merr.ErrHandleReleased)
}

func (s *CacheSuite) TestOpenOrCreate() {
	uin := types.NewUIN(2, types.KindSystem)
	h, err := s.cache.OpenOrCreateLT(s.ctx, &Record{UIN: uin, Nickname: "system"})
	s.Require().NoError(err)
	s.Equal("system", h.Nickname())

	again, err := s.cache.OpenOrCreateLT(s.ctx, &Record{UIN: uin, Nickname: "ignored"})
	s.Require().NoError(err)
	s.Equal("system", again.Nickname())
	refs, _ := s.cache.RefCount(uin)
	s.Equal(int32(2), refs)

	h.Release()
	again.Release()
}

func TestCache(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func TestValidateNickname(t *testing.T) {
	cases := []struct {
		nick string
		ok   bool
	}{
		{"alice", true},
		{"Ällö wörld", true},
		{"", false},
		{" lead", false},
		{"tab\tname", false},
		{"abcdefghijabcdefghijabcdefghijabc", false},
	}
	for _, c := range cases {
		err := ValidateNickname(c.nick)
		if c.ok && err != nil {
			t.Errorf("%q: unexpected error %v", c.nick, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%q: expected error", c.nick)
		}
	}
}
