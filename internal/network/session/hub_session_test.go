package session

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/message"
	"github.com/lk2023060901/warp-hub-go/internal/network/packet"
	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
)

const waitFor = 2 * time.Second

type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "plain:" + p, nil }
func (plainHasher) Verify(h, p string) bool       { return h == "plain:"+p }

// testClient 是协议的客户端一侧，后台协程持续读包，避免阻塞服务端写出。
type testClient struct {
	conn   net.Conn
	sess   *HubSession
	in     chan *packet.Packet
	served chan error
}

func (c *testClient) send(p *packet.Packet) error {
	_, err := c.conn.Write(p.Bytes())
	return err
}

// expect 跳过其他类型的包，直到收到 t 类型的包。
func (c *testClient) expect(s *suite.Suite, t packet.Type) *packet.Packet {
	deadline := time.After(waitFor)
	for {
		select {
		case p, ok := <-c.in:
			s.Require().True(ok, "connection closed while waiting for %s", t)
			if p.Type == t {
				return p
			}
		case <-deadline:
			s.FailNow("timed out waiting for " + t.String())
			return nil
		}
	}
}

func (c *testClient) waitClosed(s *suite.Suite) {
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-deadline:
			s.FailNow("connection still open")
		}
	}
}

type SessionSuite struct {
	suite.Suite
	ctx    context.Context
	store  *storage.Memory
	hub    *hub.Hub
	cfg    Config
	nextID atomic.Uint64
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemory()
	cache := userdata.New(s.store, userdata.Config{}, userdata.WithHasher(plainHasher{}))
	s.hub = hub.New(hub.Config{AllowRegistration: true}, hub.Deps{Cache: cache, Spool: s.store})
	s.cfg = Config{HandshakeTimeout: time.Second, WriteTimeout: time.Second}
}

func (s *SessionSuite) TearDownTest() {
	s.hub.Close()
}

func (s *SessionSuite) user(id uint32, nick string) types.UIN {
	uin := types.NewUIN(id, types.KindRegular)
	s.Require().NoError(s.store.Create(s.ctx, &userdata.Record{
		UIN: uin, Nickname: nick, Folded: userdata.Fold(nick), PasswordHash: "plain:pw",
	}))
	return uin
}

func (s *SessionSuite) connect() *testClient {
	server, client := net.Pipe()
	c := &testClient{
		conn:   client,
		sess:   NewHubSession(s.ctx, s.nextID.Add(1), server, s.hub, s.cfg),
		in:     make(chan *packet.Packet, 64),
		served: make(chan error, 1),
	}
	go func() { c.served <- c.sess.Serve() }()
	go func() {
		defer close(c.in)
		f := packet.NewFramer(0)
		for {
			p, err := f.ReadPacket(client)
			if err != nil {
				return
			}
			c.in <- p
		}
	}()
	s.T().Cleanup(func() { _ = client.Close() })
	return c
}

func (s *SessionSuite) login(nick, pass string) (*testClient, packet.ResponseCode, types.UIN) {
	c := s.connect()
	s.Require().NoError(c.send(packet.EncodeHandshake(&packet.Handshake{
		Username: nick, Password: pass, Major: 1, Minor: 0, Ticket: 7,
	})))
	resp := c.expect(&s.Suite, packet.TypeHandshakeResponse)
	s.Equal(int32(7), resp.Ticket)
	code, uin, server, err := packet.ParseHandshakeResponse(resp)
	s.Require().NoError(err)
	if code == packet.ResponseOK {
		s.Equal(s.hub.ServerUIN(), server)
	}
	return c, code, uin
}

func (s *SessionSuite) TestLoginAndLogout() {
	alice := s.user(1, "alice")
	c, code, uin := s.login("alice", "pw")
	s.Require().Equal(packet.ResponseOK, code)
	s.Equal(alice, uin)
	s.Eventually(func() bool { return s.hub.IsOnline(alice) }, waitFor, 10*time.Millisecond)
	s.Equal(StateEstablished, c.sess.State())

	s.Require().NoError(c.send(packet.New(packet.TypeClientLogout, nil)))
	c.waitClosed(&s.Suite)
	s.NoError(<-c.served)
	s.False(s.hub.IsOnline(alice))
	s.Equal(StateClosed, c.sess.State())
	_, cached := s.hub.Cache().RefCount(alice)
	s.False(cached)
}

func (s *SessionSuite) TestLoginRefused() {
	s.user(1, "alice")

	c, code, _ := s.login("alice", "wrong")
	s.Equal(packet.ResponseInvalidUser, code)
	c.waitClosed(&s.Suite)
	s.Error(<-c.served)

	s.cfg.MinClientVersion = &semver.Version{Major: 2}
	c, code, _ = s.login("alice", "pw")
	s.Equal(packet.ResponseNeedsUpdate, code)
	c.waitClosed(&s.Suite)
	s.Zero(s.hub.OnlineCount())
}

func (s *SessionSuite) TestAlreadyLoggedIn() {
	s.user(1, "alice")
	first, code, _ := s.login("alice", "pw")
	s.Require().Equal(packet.ResponseOK, code)

	second, code, _ := s.login("alice", "pw")
	s.Equal(packet.ResponseAlreadyLoggedIn, code)
	second.waitClosed(&s.Suite)
	s.Equal(StateEstablished, first.sess.State())
}

func (s *SessionSuite) TestRegistrationOnFirstLogin() {
	c, code, uin := s.login("newcomer", "secret")
	s.Require().Equal(packet.ResponseOK, code)
	s.False(uin.IsZero())

	s.Require().NoError(c.send(packet.New(packet.TypeClientLogout, nil)))
	c.waitClosed(&s.Suite)

	_, code, again := s.login("newcomer", "secret")
	s.Equal(packet.ResponseOK, code)
	s.Equal(uin, again)
}

func (s *SessionSuite) TestHandshakeTimeout() {
	s.cfg.HandshakeTimeout = 50 * time.Millisecond
	c := s.connect()
	c.waitClosed(&s.Suite)
	s.Error(<-c.served)
}

func (s *SessionSuite) TestPresenceAndQueries() {
	alice := s.user(1, "alice")
	bob := s.user(2, "bob")
	a, code, _ := s.login("alice", "pw")
	s.Require().Equal(packet.ResponseOK, code)
	b, code, _ := s.login("bob", "pw")
	s.Require().Equal(packet.ResponseOK, code)

	online, nick, err := packet.ParseUserOnline(a.expect(&s.Suite, packet.TypeUserOnline))
	s.Require().NoError(err)
	s.Equal(bob, online)
	s.Equal("bob", nick)

	q := packet.UINRequest(packet.TypeOnlineQuery, alice)
	q.Ticket = 3
	s.Require().NoError(b.send(q))
	resp := b.expect(&s.Suite, packet.TypeOnlineQuery)
	s.Equal(int32(3), resp.Ticket)
	s.Equal(int32(1), resp.FieldA)

	s.Require().NoError(b.send(packet.UINRequest(packet.TypeUserData, alice)))
	uin, nick, found, err := packet.ParseUserDataResponse(b.expect(&s.Suite, packet.TypeUserData))
	s.Require().NoError(err)
	s.True(found)
	s.Equal(alice, uin)
	s.Equal("alice", nick)

	s.Require().NoError(b.send(packet.UINRequest(packet.TypeUserData, types.NewUIN(99, types.KindRegular))))
	_, _, found, err = packet.ParseUserDataResponse(b.expect(&s.Suite, packet.TypeUserData))
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(b.send(packet.New(packet.TypeRandomUser, nil)))
	random, err := packet.ParseUINBody(b.expect(&s.Suite, packet.TypeRandomUser))
	s.Require().NoError(err)
	s.Equal(alice, random)

	s.Require().NoError(b.send(packet.New(packet.TypeClientLogout, nil)))
	offline, err := packet.ParseUINBody(a.expect(&s.Suite, packet.TypeUserOffline))
	s.Require().NoError(err)
	s.Equal(bob, offline)
}

func (s *SessionSuite) TestMessageWithConfirmation() {
	alice := s.user(1, "alice")
	bob := s.user(2, "bob")
	a, _, _ := s.login("alice", "pw")
	b, _, _ := s.login("bob", "pw")

	msg := message.NewChannelEvent(0, "system_message", 1, message.StringParam("hi"))
	s.Require().NoError(a.send(packet.Message(bob, msg.Encode())))

	dest, env, err := packet.ParseMessage(b.expect(&s.Suite, packet.TypeMessage))
	s.Require().NoError(err)
	s.Equal(bob, dest)
	got, err := message.Decode(env)
	s.Require().NoError(err)
	s.Equal(alice, got.Sender)

	connect := b.expect(&s.Suite, packet.TypeVirtualConnect)
	slot, zero, peer, err := packet.ParseVirtualCircuit(connect)
	s.Require().NoError(err)
	s.Zero(zero)
	s.Equal(bob, peer)
	s.Equal(1, b.sess.OutstandingPings())

	s.Require().NoError(b.send(packet.VirtualCircuit(packet.TypeVirtualAccept, 42, slot, s.hub.ServerUIN())))
	closing := b.expect(&s.Suite, packet.TypeVirtualClose)
	s.Equal(slot, closing.FieldA)
	s.Equal(int32(42), closing.FieldB)
	s.Eventually(func() bool { return b.sess.OutstandingPings() == 0 }, waitFor, 10*time.Millisecond)
}

func (s *SessionSuite) TestSpoolRedeliveryOnLogin() {
	s.user(1, "alice")
	bob := s.user(2, "bob")
	a, _, _ := s.login("alice", "pw")

	msg := message.NewChannelEvent(0, "add_to_contact_book", 1)
	s.Require().NoError(a.send(packet.Message(bob, msg.Encode())))
	s.Eventually(func() bool {
		entries, err := s.store.List(s.ctx, bob)
		return err == nil && len(entries) == 1
	}, waitFor, 10*time.Millisecond)

	b, code, _ := s.login("bob", "pw")
	s.Require().Equal(packet.ResponseOK, code)
	b.expect(&s.Suite, packet.TypeMessage)
	slot, _, _, err := packet.ParseVirtualCircuit(b.expect(&s.Suite, packet.TypeVirtualConnect))
	s.Require().NoError(err)
	s.Require().NoError(b.send(packet.VirtualCircuit(packet.TypeVirtualAccept, 1, slot, s.hub.ServerUIN())))

	s.Eventually(func() bool {
		entries, err := s.store.List(s.ctx, bob)
		return err == nil && len(entries) == 0
	}, waitFor, 10*time.Millisecond)
}

// gatedSpool 在 gate 打开前阻塞对 owner 的 List。
type gatedSpool struct {
	*storage.Memory
	owner   types.UIN
	listing chan struct{}
	gate    chan struct{}
}

func (g *gatedSpool) List(ctx context.Context, uin types.UIN) ([]storage.SpoolEntry, error) {
	if uin == g.owner {
		close(g.listing)
		<-g.gate
	}
	return g.Memory.List(ctx, uin)
}

func (s *SessionSuite) TestSpooledMessagesPrecedeNewDeliveries() {
	s.user(1, "alice")
	bob := s.user(2, "bob")
	spool := &gatedSpool{Memory: s.store, owner: bob, listing: make(chan struct{}), gate: make(chan struct{})}
	s.hub.Close()
	cache := userdata.New(s.store, userdata.Config{}, userdata.WithHasher(plainHasher{}))
	s.hub = hub.New(hub.Config{AllowRegistration: true}, hub.Deps{Cache: cache, Spool: spool})

	a, _, _ := s.login("alice", "pw")
	s.Require().NoError(a.send(packet.Message(bob, message.NewChannelEvent(0, "add_to_contact_book", 1).Encode())))
	s.Eventually(func() bool {
		entries, err := s.store.List(s.ctx, bob)
		return err == nil && len(entries) == 1
	}, waitFor, 10*time.Millisecond)

	b, code, _ := s.login("bob", "pw")
	s.Require().Equal(packet.ResponseOK, code)
	<-spool.listing

	// bob 已在线，但补发尚未完成
	s.Require().NoError(a.send(packet.Message(bob, message.NewChannelEvent(0, "chat", 2, message.StringParam("hi")).Encode())))
	time.Sleep(50 * time.Millisecond)
	close(spool.gate)

	for _, want := range []int32{1, 2} {
		_, env, err := packet.ParseMessage(b.expect(&s.Suite, packet.TypeMessage))
		s.Require().NoError(err)
		msg, err := message.Decode(env)
		s.Require().NoError(err)
		ev, err := msg.ChannelEvent()
		s.Require().NoError(err)
		s.Equal(want, ev.ID)
	}
}

func (s *SessionSuite) TestUnconfirmedMessageSpooledOnDisconnect() {
	s.user(1, "alice")
	bob := s.user(2, "bob")
	a, _, _ := s.login("alice", "pw")
	b, _, _ := s.login("bob", "pw")

	msg := message.NewChannelEvent(0, "add_to_contact_book", 1)
	s.Require().NoError(a.send(packet.Message(bob, msg.Encode())))
	b.expect(&s.Suite, packet.TypeVirtualConnect)

	// 不应答 ping 直接断开
	_ = b.conn.Close()
	s.Eventually(func() bool {
		entries, err := s.store.List(s.ctx, bob)
		return err == nil && len(entries) == 1
	}, waitFor, 10*time.Millisecond)
}

func (s *SessionSuite) TestKick() {
	alice := s.user(1, "alice")
	c, _, _ := s.login("alice", "pw")

	s.True(s.hub.Kick(alice, "test"))
	c.waitClosed(&s.Suite)
	s.Eventually(func() bool { return !s.hub.IsOnline(alice) }, waitFor, 10*time.Millisecond)
	s.Equal("test", c.sess.kickReason.Load())
}

func (s *SessionSuite) TestRepeatedHandshakeClosesConnection() {
	s.user(1, "alice")
	c, _, _ := s.login("alice", "pw")
	s.Require().NoError(c.send(packet.EncodeHandshake(&packet.Handshake{Username: "alice", Password: "pw"})))
	c.waitClosed(&s.Suite)
	s.Error(<-c.served)
}

func TestSession(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}
