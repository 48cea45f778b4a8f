package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/network"
	"github.com/lk2023060901/warp-hub-go/internal/network/packet"
	"github.com/lk2023060901/warp-hub-go/internal/ping"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Config 控制客户端会话的行为。
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxPacketSize    int32
	// MinClientVersion 为 nil 时不检查客户端版本。
	MinClientVersion *semver.Version
	// PingTimeout 为 0 时投递确认只在对端应答或断线时结束。
	PingTimeout time.Duration
}

// errClientLogout 表示客户端主动注销，读循环正常退出。
var errClientLogout = errors.New("client logout")

// HubSession 是一个客户端连接：驱动握手、登录、包分发以及断线清理。
type HubSession struct {
	*BaseSession

	hub *hub.Hub
	cfg Config
	sm  StateMachine

	// 以下字段在登录成功后写入一次，此后只读
	handle *userdata.Handle
	uin    types.UIN
	pings  *ping.Manager

	kickReason atomic.String
}

var (
	_ Serving      = (*HubSession)(nil)
	_ hub.Delivery = (*HubSession)(nil)
	_ hub.Kicker   = (*HubSession)(nil)
)

func NewHubSession(parent context.Context, id uint64, conn net.Conn, h *hub.Hub, cfg Config) *HubSession {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	base := NewBaseSession(parent, id, conn, packet.NewFramer(cfg.MaxPacketSize))
	base.SetWriteTimeout(cfg.WriteTimeout)
	return &HubSession{BaseSession: base, hub: h, cfg: cfg}
}

func (s *HubSession) State() State {
	return s.sm.State()
}

// UIN 在登录成功前为零值。
func (s *HubSession) UIN() types.UIN {
	return s.uin
}

func (s *HubSession) UserData() *userdata.Handle {
	return s.handle
}

// Serve 驱动整个连接的生命周期，返回时连接已关闭并完成清理。
func (s *HubSession) Serve() error {
	ctx := log.WithSessionID(s.ctx, strconv.FormatUint(s.id, 10))
	ctx = log.WithFields(ctx, log.FieldRemote(s.remoteAddr))
	ctx = log.WithTraceID(ctx, uuid.NewString())
	defer s.cleanup(ctx)

	start := time.Now()
	pkt, err := s.ReadPacket(s.cfg.HandshakeTimeout)
	if err != nil {
		log.Ctx(ctx).Debug("no handshake received", network.StageHandshake.Field(), zap.Error(err))
		return err
	}
	if err := s.sm.Transition(StateAuthenticating); err != nil {
		return err
	}
	hs, err := packet.ParseHandshake(pkt)
	if err != nil {
		log.Ctx(ctx).Warn("bad handshake", network.StageHandshake.Field(), zap.Error(err))
		return err
	}

	code, err := s.login(ctx, hs)
	metrics.LoginTotal.WithLabelValues(loginResult(code)).Inc()
	metrics.HandshakeLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		log.Ctx(ctx).Info("login refused",
			network.StageLogin.Field(),
			zap.String("user", hs.Username),
			zap.Stringer("code", code),
			zap.Error(err))
		return err
	}

	ctx = log.WithFields(ctx, log.FieldUIN(s.uin))
	return s.readLoop(ctx)
}

// login 完成认证与登记，发出握手响应并补发离线消息。
// 这些步骤都在发送锁内完成，保证 OK 与离线消息先于任何路由来的包到达客户端。
func (s *HubSession) login(ctx context.Context, hs *packet.Handshake) (packet.ResponseCode, error) {
	if required := s.cfg.MinClientVersion; required != nil {
		v := semver.Version{Major: uint64(max(hs.Major, 0)), Minor: uint64(max(hs.Minor, 0))}
		if v.LT(*required) {
			err := merr.WrapErrClientOutdated(v.String(), required.String())
			return s.refuse(hs, err)
		}
	}

	handle, err := s.hub.Authenticate(ctx, hs.Username, hs.Password)
	if err != nil {
		return s.refuse(hs, err)
	}
	s.handle = handle
	s.uin = handle.UIN()
	var opts []ping.Option
	if s.cfg.PingTimeout > 0 {
		opts = append(opts, ping.WithTimeout(s.cfg.PingTimeout))
	}
	s.pings = ping.New(s.hub.ServerUIN(), s.uin, s.SendRaw, opts...)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.hub.Login(ctx, s); err != nil {
		s.handle = nil
		handle.Release()
		code := responseCode(err)
		_ = s.writeLocked(packet.HandshakeResponse(code, hs.Ticket, 0, 0))
		return code, err
	}
	if err := s.sm.Transition(StateEstablished); err != nil {
		// 登录过程中被踢
		return packet.ResponseOffline, err
	}
	resp := packet.HandshakeResponse(packet.ResponseOK, hs.Ticket, s.uin, s.hub.ServerUIN())
	if err := s.writeLocked(resp); err != nil {
		return packet.ResponseOK, err
	}
	// 离线消息在释放发送锁之前补发，新到的直接投递只能排在它们之后。
	if err := s.hub.RedeliverSpool(log.WithFields(ctx, log.FieldUIN(s.uin)), lockedDelivery{s}); err != nil {
		log.Ctx(ctx).Warn("spool redelivery failed", log.FieldUIN(s.uin), zap.Error(err))
	}
	return packet.ResponseOK, nil
}

// lockedDelivery 在已持有发送锁时向会话投递消息。
type lockedDelivery struct {
	*HubSession
}

func (d lockedDelivery) IncomingMessage(envelope []byte, done func(delivered bool)) error {
	if err := d.writeLocked(packet.Message(d.uin, envelope)); err != nil {
		return err
	}
	if done != nil {
		if err := d.pings.PingVia(done, d.writeRawLocked); err != nil {
			log.Debug("ping send failed", log.FieldUIN(d.uin), zap.Error(err))
		}
	}
	return nil
}

func (s *HubSession) refuse(hs *packet.Handshake, err error) (packet.ResponseCode, error) {
	code := responseCode(err)
	_ = s.Send(packet.HandshakeResponse(code, hs.Ticket, 0, 0))
	return code, err
}

// responseCode 把错误映射为握手响应码。
func responseCode(err error) packet.ResponseCode {
	switch {
	case err == nil:
		return packet.ResponseOK
	case merr.IsAuthError(err):
		return packet.ResponseInvalidUser
	case errors.Is(err, merr.ErrAlreadyLoggedIn):
		return packet.ResponseAlreadyLoggedIn
	case errors.Is(err, merr.ErrServiceTooManyUsers):
		return packet.ResponseTooManyUsers
	case errors.Is(err, merr.ErrServiceUnavailable):
		return packet.ResponseOffline
	case errors.Is(err, merr.ErrClientOutdated):
		return packet.ResponseNeedsUpdate
	default:
		return packet.ResponseInternalError
	}
}

func loginResult(code packet.ResponseCode) string {
	switch code {
	case packet.ResponseOK:
		return metrics.LoginResultOK
	case packet.ResponseInvalidUser:
		return metrics.LoginResultInvalidUser
	case packet.ResponseAlreadyLoggedIn:
		return metrics.LoginResultAlreadyLoggedIn
	case packet.ResponseTooManyUsers:
		return metrics.LoginResultTooManyUsers
	case packet.ResponseNeedsUpdate:
		return metrics.LoginResultNeedsUpdate
	case packet.ResponseOffline:
		return metrics.LoginResultOffline
	default:
		return metrics.LoginResultInternalError
	}
}

func (s *HubSession) readLoop(ctx context.Context) error {
	// 所有会话共用一个限流组，异常客户端不会刷屏
	dropLog := log.Ctx(ctx).With().WithRateGroup("session.drop", 1, 10)
	for {
		pkt, err := s.ReadPacket(0)
		if err != nil {
			if s.Closed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Ctx(ctx).Debug("read failed", network.StageRecv.Field(), zap.Error(err))
			return err
		}
		if err := s.dispatchSafe(ctx, pkt); err != nil {
			if errors.Is(err, errClientLogout) {
				return nil
			}
			if errors.IsAny(err, merr.ErrProtocol, merr.ErrServiceInternal, merr.ErrTransport) {
				log.Ctx(ctx).Warn("closing connection", network.StageDispatch.Field(), zap.Int32("code", merr.Code(err)), zap.Error(err))
				return err
			}
			dropLog.RatedWarn(1, "packet dropped", network.StageDispatch.Field(),
				zap.Stringer("type", pkt.Type), zap.Error(err))
		}
	}
}

// dispatchSafe 在 dispatch 发生 panic 时只终止本连接。
func (s *HubSession) dispatchSafe(ctx context.Context, pkt *packet.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error("panic while handling packet",
				zap.Stringer("type", pkt.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = merr.WrapErrServiceInternal(fmt.Sprint(r), "dispatch")
		}
	}()
	return s.dispatch(ctx, pkt)
}

func (s *HubSession) dispatch(ctx context.Context, pkt *packet.Packet) error {
	switch pkt.Type {
	case packet.TypeMessage:
		dest, env, err := packet.ParseMessage(pkt)
		if err != nil {
			return err
		}
		return s.hub.ClientGiveMessage(ctx, s, dest, env)

	case packet.TypeVirtualAccept:
		if !s.pings.HandleResponse(pkt) {
			log.Ctx(ctx).Debug("unmatched circuit accept", zap.Int32("slot", pkt.FieldB))
		}
		return nil

	case packet.TypeOnlineQuery:
		uin, err := packet.ParseUINBody(pkt)
		if err != nil {
			return err
		}
		return s.Send(packet.OnlineQueryResponse(pkt.Ticket, uin, s.hub.IsOnline(uin)))

	case packet.TypeUserData:
		uin, err := packet.ParseUINBody(pkt)
		if err != nil {
			return err
		}
		info, _, err := s.hub.UserInfo(ctx, uin)
		switch {
		case errors.Is(err, merr.ErrUserNotFound):
			return s.Send(packet.UserDataResponse(pkt.Ticket, uin, "", false))
		case err != nil:
			return err
		}
		return s.Send(packet.UserDataResponse(pkt.Ticket, uin, info.Nickname(), true))

	case packet.TypeRandomUser:
		uin, _ := s.hub.RandomOnlineUIN(s.uin)
		return s.Send(packet.RandomUserResponse(pkt.Ticket, uin))

	case packet.TypeClientLogout:
		return errClientLogout

	case packet.TypeHandshake:
		return merr.WrapErrProtocol("handshake after login")

	default:
		log.Ctx(ctx).Debug("ignoring packet", zap.Stringer("type", pkt.Type))
		return nil
	}
}

// deliver 在连接已建立时写出 p。
// 登录过程中持有发送锁，因此并发投递会等待 OK 响应发出后再检查状态。
func (s *HubSession) deliver(p *packet.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sm.State() != StateEstablished {
		return merr.WrapErrDeliveryFailed(s.uin, "session not established")
	}
	return s.writeLocked(p)
}

// IncomingMessage 实现 hub.Delivery。需要确认时在消息之后发出一次 ping。
func (s *HubSession) IncomingMessage(envelope []byte, done func(delivered bool)) error {
	if err := s.deliver(packet.Message(s.uin, envelope)); err != nil {
		return err
	}
	if done != nil {
		// 发送失败时 ping 表已经以 false 回调
		if err := s.pings.Ping(done); err != nil {
			log.Debug("ping send failed", log.FieldUIN(s.uin), zap.Error(err))
		}
	}
	return nil
}

func (s *HubSession) UserOnline(uin types.UIN, nickname string) {
	_ = s.deliver(packet.UserOnline(uin, nickname))
}

func (s *HubSession) UserOffline(uin types.UIN) {
	_ = s.deliver(packet.UserOffline(uin))
}

// OutstandingPings 实现 hub.Outstander。
func (s *HubSession) OutstandingPings() int {
	if s.pings == nil {
		return 0
	}
	return s.pings.Outstanding()
}

// Kick 关闭底层连接，阻塞中的读随之返回，清理由 Serve 完成。
func (s *HubSession) Kick(reason string) {
	s.kickReason.Store(reason)
	s.sm.Close()
	_ = s.Close()
}

// cleanup 的顺序：先注销再让未完成的 ping 失败，失败的投递因此会进入离线队列。
func (s *HubSession) cleanup(ctx context.Context) {
	s.sm.Close()
	_ = s.Close()

	// handle 非空意味着 hub.Login 已成功
	if s.handle == nil {
		return
	}
	s.hub.Logout(ctx, s)
	s.pings.Logout()
	s.handle.Release()

	fields := []zap.Field{network.StageCleanup.Field()}
	if reason := s.kickReason.Load(); reason != "" {
		fields = append(fields, zap.String("kickReason", reason))
	}
	log.Ctx(ctx).Info("session closed", fields...)
}
