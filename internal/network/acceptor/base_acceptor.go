package acceptor

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/warp-hub-go/internal/network"
	"github.com/lk2023060901/warp-hub-go/internal/network/session"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// BaseAcceptor 是 Acceptor 接口的 TCP 实现。
//
// 设计目标：
//   - 对外只暴露 Acceptor 接口和 Handler 回调，不绑定具体业务逻辑；
//   - 内部负责：接受连接、分配会话 ID、登记到 SessionManager 并驱动 Serve；
//   - 每个连接使用独立的 goroutine，会话内的包按序处理。
type BaseAcceptor struct {
	ln       net.Listener
	sessions session.SessionManager

	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ Acceptor = (*BaseAcceptor)(nil)

// NewBaseAcceptor 使用已有的 Listener 创建接入器。sm 为 nil 时使用默认实现。
func NewBaseAcceptor(ln net.Listener, sm session.SessionManager) (*BaseAcceptor, error) {
	if ln == nil {
		return nil, merr.WrapErrParameterMissing("listener")
	}
	if sm == nil {
		sm = session.NewBaseSessionManager()
	}
	return &BaseAcceptor{ln: ln, sessions: sm}, nil
}

// NewTCPAcceptor 在 addr 上监听 TCP，例如 "0.0.0.0:4000"。
func NewTCPAcceptor(addr string, sm session.SessionManager) (*BaseAcceptor, error) {
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("addr")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, merr.WrapErrTransport(err, "listen "+addr)
	}
	return NewBaseAcceptor(ln, sm)
}

func (a *BaseAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *BaseAcceptor) Sessions() session.SessionManager {
	return a.sessions
}

// Serve 实现 Acceptor.Serve。返回前等待所有连接协程退出。
func (a *BaseAcceptor) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return merr.WrapErrParameterMissing("handler")
	}
	defer a.wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	// 临时性错误（如文件描述符耗尽）按指数退避重试
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				wait := bo.NextBackOff()
				log.RatedWarn(1, "accept failed, retrying", network.StageAccept.Field(),
					zap.Duration("wait", wait), zap.Error(err))
				time.Sleep(wait)
				continue
			}
			return merr.WrapErrTransport(err, "accept")
		}
		bo.Reset()

		id := a.nextID.Inc()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConnection(ctx, id, conn, h)
		}()
	}
}

// handleConnection 处理单个连接的生命周期。
func (a *BaseAcceptor) handleConnection(ctx context.Context, id uint64, conn net.Conn, h Handler) {
	sess, err := h.OnAccept(ctx, id, conn)
	if err != nil || sess == nil {
		_ = conn.Close()
		if err != nil {
			log.Warn("connection rejected", network.StageAccept.Field(),
				log.FieldRemote(conn.RemoteAddr()), zap.Error(err))
		}
		return
	}

	if err := a.sessions.Register(sess); err != nil {
		_ = sess.Close()
		h.OnClosed(sess, err)
		return
	}
	defer func() {
		_ = a.sessions.Unregister(sess.ID())
	}()

	// 接入器已关闭时，注册和关闭扫描可能交错，这里补一次检查
	if a.closed.Load() {
		_ = sess.Close()
	}

	err = serveSafe(sess)
	_ = sess.Close()
	h.OnClosed(sess, err)
}

// serveSafe 把单个会话中的 panic 限制在该连接内。
func serveSafe(sess session.Serving) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in session",
				zap.Uint64(log.FieldNameSessionID, sess.ID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = merr.WrapErrServiceInternal("session panic")
		}
	}()
	return sess.Serve()
}

// Close 实现 Acceptor.Close：停止接受新连接并关闭所有存活会话。
func (a *BaseAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		err = a.ln.Close()
		a.sessions.Range(func(sess session.Session) bool {
			_ = sess.Close()
			return true
		})
	})
	return err
}
