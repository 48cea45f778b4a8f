package session

import (
	"context"
	"net"

	"github.com/lk2023060901/warp-hub-go/internal/network/packet"
)

// Session 抽象了一条网络连接。
//
// 约定：
//   - 每个 Session 对应一条底层 TCP 连接；
//   - Session ID 由接入层分配，在进程内唯一；
//   - 同一连接上的写出由会话内部的发送锁串行化。
type Session interface {
	ID() uint64

	// Context 在会话关闭时被取消。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 写出一个完整的包。
	Send(p *packet.Packet) error

	// Close 关闭底层连接，可重复调用。
	Close() error
}

// Serving 是由接入层驱动的会话：Serve 阻塞直到连接结束。
type Serving interface {
	Session
	Serve() error
}
