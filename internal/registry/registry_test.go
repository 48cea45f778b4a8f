package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

type fakeConn struct {
	h *userdata.Handle

	mu      sync.Mutex
	online  []types.UIN
	offline []types.UIN
}

func (c *fakeConn) UIN() types.UIN             { return c.h.UIN() }
func (c *fakeConn) UserData() *userdata.Handle { return c.h }

func (c *fakeConn) UserOnline(uin types.UIN, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = append(c.online, uin)
}

func (c *fakeConn) UserOffline(uin types.UIN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = append(c.offline, uin)
}

// quietConn 不监听在线状态。
type quietConn struct{ h *userdata.Handle }

func (c *quietConn) UIN() types.UIN             { return c.h.UIN() }
func (c *quietConn) UserData() *userdata.Handle { return c.h }

// seederConn 额外记录登记时收到的在线名单。
type seederConn struct {
	*fakeConn
	seeded []types.UIN
}

func (c *seederConn) SeedPresence(online []types.UIN) { c.seeded = online }

// known 返回名单与上线通知的并集。
func (c *seederConn) known() map[types.UIN]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[types.UIN]bool)
	for _, uin := range c.seeded {
		seen[uin] = true
	}
	for _, uin := range c.online {
		seen[uin] = true
	}
	return seen
}

type RegistrySuite struct {
	suite.Suite
	ctx   context.Context
	cache *userdata.Cache
	store *storage.Memory
	reg   *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemory()
	s.cache = userdata.New(s.store, userdata.Config{})
	s.reg = New(s.cache, 0)
}

func (s *RegistrySuite) conn(id uint32, kind types.Kind, flags types.UserFlags) *fakeConn {
	uin := types.NewUIN(id, kind)
	if _, err := s.store.GetByUIN(s.ctx, uin); err != nil {
		s.Require().NoError(s.store.Create(s.ctx, &userdata.Record{UIN: uin, Nickname: uin.String(), Flags: flags}))
	}
	h, err := s.cache.OpenByUINLT(s.ctx, uin)
	s.Require().NoError(err)
	return &fakeConn{h: h}
}

func (s *RegistrySuite) TestLoginLogout() {
	a := s.conn(100, types.KindRegular, 0)
	b := s.conn(101, types.KindRegular, 0)

	listeners, err := s.reg.EarlyLogin(a)
	s.Require().NoError(err)
	s.Empty(listeners)

	listeners, err = s.reg.EarlyLogin(b)
	s.Require().NoError(err)
	s.Equal([]PresenceListener{a}, listeners)
	s.Equal(2, s.reg.Count())
	s.True(s.reg.IsOnline(a.UIN()))

	n, _ := s.cache.RefCount(a.UIN())
	s.Equal(int32(2), n)

	listeners = s.reg.EarlyLogout(a)
	s.Equal([]PresenceListener{b}, listeners)
	s.False(s.reg.IsOnline(a.UIN()))
	n, _ = s.cache.RefCount(a.UIN())
	s.Equal(int32(1), n)

	s.Nil(s.reg.EarlyLogout(a))
}

func (s *RegistrySuite) TestDuplicateLogin() {
	a := s.conn(100, types.KindRegular, 0)
	again := s.conn(100, types.KindRegular, 0)

	_, err := s.reg.EarlyLogin(a)
	s.Require().NoError(err)
	_, err = s.reg.EarlyLogin(again)
	s.ErrorIs(err, merr.ErrAlreadyLoggedIn)

	// 旧连接之外的注销不能踢掉当前连接
	s.Nil(s.reg.EarlyLogout(again))
	s.True(s.reg.IsOnline(a.UIN()))
}

func (s *RegistrySuite) TestMaxUsers() {
	s.reg = New(s.cache, 1)
	_, err := s.reg.EarlyLogin(s.conn(100, types.KindRegular, 0))
	s.Require().NoError(err)
	_, err = s.reg.EarlyLogin(s.conn(101, types.KindRegular, 0))
	s.ErrorIs(err, merr.ErrServiceTooManyUsers)
	_, err = s.reg.EarlyLogin(s.conn(2, types.KindSystem, 0))
	s.NoError(err)
}

func (s *RegistrySuite) TestListenersOnlyPresenceAware() {
	q := s.conn(100, types.KindRegular, 0)
	_, err := s.reg.EarlyLogin(&quietConn{h: q.h})
	s.Require().NoError(err)
	listeners, err := s.reg.EarlyLogin(s.conn(101, types.KindRegular, 0))
	s.Require().NoError(err)
	s.Empty(listeners)
}

func (s *RegistrySuite) TestSeedPresence() {
	a := s.conn(100, types.KindRegular, 0)
	_, err := s.reg.EarlyLogin(a)
	s.Require().NoError(err)

	bot := &seederConn{fakeConn: s.conn(2, types.KindSystem, 0)}
	_, err = s.reg.EarlyLogin(bot)
	s.Require().NoError(err)
	s.ElementsMatch([]types.UIN{a.UIN()}, bot.seeded)

	// 登记之后上线的用户经监听者通知到达
	b := s.conn(101, types.KindRegular, 0)
	listeners, err := s.reg.EarlyLogin(b)
	s.Require().NoError(err)
	s.Contains(listeners, PresenceListener(bot))
}

func (s *RegistrySuite) TestSeedPresenceRacingLogins() {
	conns := make([]*fakeConn, 32)
	for i := range conns {
		conns[i] = s.conn(uint32(200+i), types.KindRegular, 0)
	}
	bot := &seederConn{fakeConn: s.conn(2, types.KindSystem, 0)}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listeners, err := s.reg.EarlyLogin(c)
			s.NoError(err)
			for _, l := range listeners {
				l.UserOnline(c.UIN(), "")
			}
		}()
	}
	_, err := s.reg.EarlyLogin(bot)
	s.Require().NoError(err)
	wg.Wait()

	known := bot.known()
	for _, c := range conns {
		s.True(known[c.UIN()], "bot never learned about %s", c.UIN())
	}
}

func (s *RegistrySuite) TestRandomPool() {
	sys := s.conn(2, types.KindSystem, 0)
	hidden := s.conn(100, types.KindRegular, types.FlagNoRandom)
	a := s.conn(101, types.KindRegular, 0)
	for _, c := range []*fakeConn{sys, hidden, a} {
		_, err := s.reg.EarlyLogin(c)
		s.Require().NoError(err)
	}

	for i := 0; i < 20; i++ {
		uin, ok := s.reg.RandomOnline(0)
		s.True(ok)
		s.Equal(a.UIN(), uin)
	}
	_, ok := s.reg.RandomOnline(a.UIN())
	s.False(ok)

	s.Require().NoError(userdata.SetFlags(s.ctx, s.cache.Privilege(), hidden.h, 0))
	s.reg.ConsiderRandomStatus(hidden.UIN())
	uin, ok := s.reg.RandomOnline(a.UIN())
	s.True(ok)
	s.Equal(hidden.UIN(), uin)

	s.reg.EarlyLogout(a)
	for i := 0; i < 20; i++ {
		uin, ok := s.reg.RandomOnline(0)
		s.True(ok)
		s.Equal(hidden.UIN(), uin)
	}
}

func (s *RegistrySuite) TestRandomExcludeIsUniform() {
	var conns []*fakeConn
	for id := uint32(100); id < 104; id++ {
		c := s.conn(id, types.KindRegular, 0)
		_, err := s.reg.EarlyLogin(c)
		s.Require().NoError(err)
		conns = append(conns, c)
	}
	seen := map[types.UIN]int{}
	for i := 0; i < 600; i++ {
		uin, ok := s.reg.RandomOnline(conns[1].UIN())
		s.Require().True(ok)
		s.NotEqual(conns[1].UIN(), uin)
		seen[uin]++
	}
	s.Len(seen, 3)
}

func (s *RegistrySuite) TestSnapshot() {
	b := s.conn(101, types.KindRegular, types.FlagAdmin)
	a := s.conn(100, types.KindRegular, 0)
	for _, c := range []*fakeConn{b, a} {
		_, err := s.reg.EarlyLogin(c)
		s.Require().NoError(err)
	}
	snap := s.reg.Snapshot()
	s.Require().Len(snap, 2)
	s.Equal(a.UIN(), snap[0].UIN)
	s.True(snap[1].Flags.Has(types.FlagAdmin))
	s.True(snap[0].Random)
	s.Len(s.reg.Connections(), 2)
}

func (s *RegistrySuite) TestConcurrentLoginSameUIN() {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 32; i++ {
		c := s.conn(100, types.KindRegular, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.reg.EarlyLogin(c); err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, oks)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
