package acceptor

import (
	"context"
	"net"

	"github.com/lk2023060901/warp-hub-go/internal/network/session"
)

// Handler 由使用者实现，决定如何把一个新连接变成可服务的会话。
//
// 说明：
//   - OnAccept 在接受连接后立即调用，返回的会话由接入器驱动 Serve；
//   - OnClosed 在 Serve 返回后调用，err 为 Serve 的返回值；
//   - 两个回调都在该连接自己的协程中执行。
type Handler interface {
	OnAccept(ctx context.Context, id uint64, conn net.Conn) (session.Serving, error)
	OnClosed(sess session.Serving, err error)
}

// Acceptor 抽象了服务器侧的 TCP 接入层。
type Acceptor interface {
	// Serve 阻塞接受连接，直至 ctx 取消、Close 被调用或监听器出现不可恢复的错误。
	Serve(ctx context.Context, h Handler) error

	// Close 关闭监听器以及所有存活会话。
	Close() error

	Addr() net.Addr
}
