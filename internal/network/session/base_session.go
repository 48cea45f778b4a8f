package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/warp-hub-go/internal/network/packet"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// BaseSession 提供了 Session 接口的基础实现。
//
// 设计目标：
//   - 封装最小但完整的会话能力：ID、Context、地址信息、发送与关闭；
//   - 所有写出都经过 sendMu，保证包不会交叉；
//   - 读只发生在驱动该会话的单个协程中，无需加锁。
type BaseSession struct {
	id uint64

	ctx    context.Context
	cancel context.CancelFunc

	conn   net.Conn
	framer *packet.Framer

	remoteAddr net.Addr
	localAddr  net.Addr

	// writeTimeout 为 0 时不设置写超时。
	writeTimeout time.Duration

	sendMu sync.Mutex
	closed atomic.Bool

	closeOnce sync.Once
}

// 确保 BaseSession 实现了 Session 接口。
var _ Session = (*BaseSession)(nil)

// NewBaseSession 创建一个基于 net.Conn 的基础 Session 实例。
//
// 参数：
//   - parent：会话所属的上层上下文；若为 nil，则使用 context.Background()；
//   - id    ：会话 ID，由接入层保证唯一；
//   - conn  ：底层网络连接；
//   - f     ：该连接使用的分帧器，nil 时使用默认上限。
func NewBaseSession(parent context.Context, id uint64, conn net.Conn, f *packet.Framer) *BaseSession {
	if parent == nil {
		parent = context.Background()
	}
	if f == nil {
		f = packet.NewFramer(0)
	}
	ctx, cancel := context.WithCancel(parent)
	return &BaseSession{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		framer:     f,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
	}
}

func (s *BaseSession) ID() uint64 {
	return s.id
}

func (s *BaseSession) Context() context.Context {
	return s.ctx
}

func (s *BaseSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

func (s *BaseSession) LocalAddr() net.Addr {
	return s.localAddr
}

// SetWriteTimeout 设置单次写出的超时。
func (s *BaseSession) SetWriteTimeout(d time.Duration) {
	s.writeTimeout = d
}

// Send 实现 Session.Send。
func (s *BaseSession) Send(p *packet.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writeLocked(p)
}

// SendRaw 写出已经编码好的整包字节。
func (s *BaseSession) SendRaw(b []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writeRawLocked(b)
}

// writeLocked 要求调用方持有 sendMu。
func (s *BaseSession) writeLocked(p *packet.Packet) error {
	return s.writeRawLocked(p.Bytes())
}

func (s *BaseSession) writeRawLocked(b []byte) error {
	if s.closed.Load() {
		return merr.WrapErrTransport(net.ErrClosed, "write")
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	for written := 0; written < len(b); {
		n, err := s.conn.Write(b[written:])
		if err != nil {
			return merr.WrapErrTransport(err, "write")
		}
		written += n
	}
	return nil
}

// ReadPacket 读取一个完整的包，只能由驱动会话的协程调用。
func (s *BaseSession) ReadPacket(timeout time.Duration) (*packet.Packet, error) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	return s.framer.ReadPacket(s.conn)
}

// Closed 表示会话已关闭。
func (s *BaseSession) Closed() bool {
	return s.closed.Load()
}

// Close 实现 Session.Close。
func (s *BaseSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// 先取消上下文，再关闭连接以唤醒阻塞的读。
		s.cancel()
		err = s.conn.Close()
	})
	return err
}
