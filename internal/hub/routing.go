package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/message"
	"github.com/lk2023060901/warp-hub-go/internal/registry"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
	"github.com/lk2023060901/warp-hub-go/pkg/util/retry"
)

const (
	reasonOffline     = "recipient offline"
	reasonUnconfirmed = "delivery not confirmed"
)

// Classify 按消息内容决定发送类型：
// 方块集合离线保存，频道事件按频道表（默认即发即弃），其余消息失败时回弹。
func (h *Hub) Classify(msg *message.Message) types.SendType {
	switch msg.Type {
	case message.TypeBlockSet:
		return types.SendSpooled
	case message.TypeChannelEvent:
		ev, err := msg.ChannelEvent()
		if err != nil {
			return types.SendTransient
		}
		if ev.Channel == message.ChannelReject {
			return types.SendReject
		}
		if st, ok := h.channels[ev.Channel]; ok {
			return st
		}
		return types.SendTransient
	default:
		return types.SendBounced
	}
}

// ClientGiveMessage 是客户端提交消息的入口：写入认证过的发送者、过防火墙、再路由。
// 防火墙拒绝时向发送者回弹一条拒收消息，不视为错误。
func (h *Hub) ClientGiveMessage(ctx context.Context, sender registry.Connection, dest types.UIN, raw []byte) error {
	msg, err := message.Decode(raw)
	if err != nil {
		return err
	}
	msg = msg.WithSender(sender.UIN())

	if err := h.firewall.Check(ctx, sender.UserData(), dest, msg, len(raw)); err != nil {
		metrics.MessagesRouted.WithLabelValues(metrics.OutcomeFirewalled).Inc()
		log.Ctx(ctx).Debug("message firewalled", log.FieldUIN(dest), zap.Error(err))
		if !msg.IsReject() {
			h.bounce(ctx, dest, sender.UIN(), err.Error())
		}
		return nil
	}
	return h.SendMessage(ctx, dest, msg, h.Classify(msg), sender.UIN())
}

// SendMessage 把消息投递给 dest；不在线或确认失败时按 sendType 的失败策略处理。
// cause 是回弹拒收消息的收件人。
func (h *Hub) SendMessage(ctx context.Context, dest types.UIN, msg *message.Message, st types.SendType, cause types.UIN) error {
	// 拒收消息无论以何种发送类型投递，失败都只丢弃。
	if msg.IsReject() {
		st = types.SendReject
	}
	data := msg.Encode()
	if conn, ok := h.registry.Get(dest); ok {
		if d, ok := conn.(Delivery); ok {
			var done func(bool)
			if st.Confirm {
				done = func(delivered bool) {
					if delivered {
						return
					}
					h.async(func() { h.fail(context.Background(), dest, data, st, cause, reasonUnconfirmed) })
				}
			}
			err := d.IncomingMessage(data, done)
			if err == nil {
				metrics.MessagesRouted.WithLabelValues(metrics.OutcomeDelivered).Inc()
				return nil
			}
			log.Ctx(ctx).Debug("direct delivery failed", log.FieldUIN(dest), zap.Error(err))
		}
	}
	return h.fail(ctx, dest, data, st, cause, reasonOffline)
}

func (h *Hub) fail(ctx context.Context, dest types.UIN, data []byte, st types.SendType, cause types.UIN, reason string) error {
	switch st.EffectiveFail() {
	case types.Spool:
		if _, err := h.spool.Append(ctx, dest, data); err != nil {
			log.Ctx(ctx).Warn("failed to spool message", log.FieldUIN(dest), zap.Error(err))
			return err
		}
		metrics.MessagesRouted.WithLabelValues(metrics.OutcomeSpooled).Inc()
	case types.Reject:
		metrics.MessagesRouted.WithLabelValues(metrics.OutcomeRejected).Inc()
		h.bounce(ctx, dest, cause, reason)
	default:
		metrics.MessagesRouted.WithLabelValues(metrics.OutcomeDiscarded).Inc()
	}
	return nil
}

// bounce 以 from 的名义给 to 发送拒收消息。拒收消息失败一律丢弃，不会再次回弹。
func (h *Hub) bounce(ctx context.Context, from, to types.UIN, reason string) {
	if to.IsZero() || to == h.cfg.ServerUIN {
		return
	}
	_ = h.SendMessage(ctx, to, message.NewReject(from, reason), types.SendReject, h.cfg.ServerUIN)
}

// RedeliverSpool 把 conn 的离线消息按序重新投递，确认后才删除。
func (h *Hub) RedeliverSpool(ctx context.Context, conn registry.Connection) error {
	d, ok := conn.(Delivery)
	if !ok {
		return nil
	}
	uin := conn.UIN()
	entries, err := h.spool.List(ctx, uin)
	if err != nil {
		return err
	}
	for _, e := range entries {
		id := e.ID
		err := d.IncomingMessage(e.Data, func(delivered bool) {
			if !delivered {
				return
			}
			h.async(func() {
				err := retry.Do(context.Background(), func() error {
					return h.spool.Delete(context.Background(), uin, id)
				}, retry.Attempts(3), retry.Sleep(20*time.Millisecond), retry.RetryErr(merr.IsRetryableErr))
				if err != nil {
					log.Warn("failed to delete redelivered message", log.FieldUIN(uin), zap.Uint64("id", id), zap.Error(err))
					return
				}
				metrics.SpoolRedelivered.Inc()
			})
		})
		if err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		log.Ctx(ctx).Info("redelivered spooled messages", log.FieldUIN(uin), zap.Int("count", len(entries)))
	}
	return nil
}
