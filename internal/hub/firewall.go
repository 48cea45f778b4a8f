package hub

import (
	"context"
	"fmt"

	"github.com/lk2023060901/warp-hub-go/internal/message"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Firewall 决定客户端提交的消息能否被路由。返回错误即拒绝。
type Firewall interface {
	Check(ctx context.Context, sender *userdata.Handle, dest types.UIN, msg *message.Message, size int) error
}

// FirewallFunc 把函数适配为 Firewall。
type FirewallFunc func(ctx context.Context, sender *userdata.Handle, dest types.UIN, msg *message.Message, size int) error

func (f FirewallFunc) Check(ctx context.Context, sender *userdata.Handle, dest types.UIN, msg *message.Message, size int) error {
	return f(ctx, sender, dest, msg, size)
}

// DefaultFirewall 拒绝：禁言用户的聊天、超长消息、非管理员发往未公开系统身份的消息。
type DefaultFirewall struct {
	maxSize int
	listed  map[types.UIN]struct{}
}

func NewDefaultFirewall(cfg Config) *DefaultFirewall {
	return &DefaultFirewall{
		maxSize: cfg.MaxMessageSize,
		listed: map[types.UIN]struct{}{
			cfg.SystemUIN: {},
		},
	}
}

func (f *DefaultFirewall) Check(_ context.Context, sender *userdata.Handle, dest types.UIN, msg *message.Message, size int) error {
	if f.maxSize > 0 && size > f.maxSize {
		return merr.WrapErrFirewalled(fmt.Sprintf("message of %d bytes exceeds %d", size, f.maxSize))
	}
	flags := sender.Flags()
	if _, isChat := msg.ChatText(); isChat && flags.Has(types.FlagMutedChat) {
		return merr.WrapErrFirewalled("sender is muted")
	}
	if dest.Kind() == types.KindSystem && !flags.Has(types.FlagAdmin) {
		if _, ok := f.listed[dest]; !ok {
			return merr.WrapErrFirewalled("destination not reachable")
		}
	}
	return nil
}
