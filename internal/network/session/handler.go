package session

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/network"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// HubHandler 为每个接入的连接创建 HubSession。
type HubHandler struct {
	hub *hub.Hub
	cfg Config
}

func NewHubHandler(h *hub.Hub, cfg Config) *HubHandler {
	return &HubHandler{hub: h, cfg: cfg}
}

func (h *HubHandler) OnAccept(ctx context.Context, id uint64, conn net.Conn) (Serving, error) {
	if h.hub.Closed() {
		return nil, merr.WrapErrServiceUnavailable("hub closed")
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewHubSession(ctx, id, conn, h.hub, h.cfg), nil
}

func (h *HubHandler) OnClosed(sess Serving, err error) {
	if err != nil {
		log.Debug("connection finished with error",
			network.StageCleanup.Field(),
			zap.Uint64(log.FieldNameSessionID, sess.ID()),
			zap.Error(err))
	}
}
