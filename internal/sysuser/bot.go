// Package sysuser 实现系统机器人：一个不经网络、直接登记到 hub 的连接，
// 通过聊天频道响应查询与管理命令。
package sysuser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/message"
	"github.com/lk2023060901/warp-hub-go/internal/registry"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/conc"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
	"github.com/lk2023060901/warp-hub-go/pkg/util/typeutil"
)

const DefaultPoolSize = 4

// Bot 是系统机器人连接。命令在协程池中执行，投递方不会被阻塞。
type Bot struct {
	log.Binder

	hub    *hub.Hub
	handle *userdata.Handle
	pool   *conc.Pool[struct{}]

	// present 是机器人看到的在线用户，下线用户的命令回复直接丢弃
	present  *typeutil.ConcurrentSet[types.UIN]
	closed   atomic.Bool
	stopOnce sync.Once
}

var (
	_ hub.Delivery            = (*Bot)(nil)
	_ hub.Kicker              = (*Bot)(nil)
	_ registry.PresenceSeeder = (*Bot)(nil)
)

// Start 打开（必要时创建）系统身份并登录到 h。
func Start(ctx context.Context, h *hub.Hub, poolSize int) (*Bot, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	handle, err := h.Cache().OpenOrCreateLT(ctx, &userdata.Record{
		UIN:      h.SystemUIN(),
		Nickname: h.Config().SystemNickname,
		Flags:    types.FlagNoRandom,
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		hub:     h,
		handle:  handle,
		pool:    conc.NewPool[struct{}](poolSize, conc.WithConcealPanic(true), conc.WithExpiryDuration(time.Minute)),
		present: typeutil.NewConcurrentSet[types.UIN](),
	}
	b.SetLogger(log.With(log.FieldComponent("sysuser"), log.FieldUIN(handle.UIN())))
	if err := h.Login(ctx, b); err != nil {
		b.pool.Release()
		handle.Release()
		return nil, err
	}
	b.Logger().Info("system user online", zap.String("nickname", handle.Nickname()))
	return b, nil
}

func (b *Bot) UIN() types.UIN {
	return b.handle.UIN()
}

func (b *Bot) UserData() *userdata.Handle {
	return b.handle
}

// SeedPresence 实现 registry.PresenceSeeder，在登记的同一时刻取得在线名单。
func (b *Bot) SeedPresence(online []types.UIN) {
	b.present.Upsert(online...)
}

func (b *Bot) UserOnline(uin types.UIN, _ string) {
	b.present.Insert(uin)
}

func (b *Bot) UserOffline(uin types.UIN) {
	b.present.Remove(uin)
}

// IncomingMessage 立即确认收到，命令异步执行。
func (b *Bot) IncomingMessage(envelope []byte, done func(delivered bool)) error {
	if b.closed.Load() {
		return merr.WrapErrDeliveryFailed(b.UIN(), "system user stopped")
	}
	msg, err := message.Decode(envelope)
	if err != nil {
		return err
	}
	if done != nil {
		done(true)
	}
	text, ok := msg.ChatText()
	if !ok {
		return nil
	}
	sender := msg.Sender
	b.pool.Submit(func() (struct{}, error) {
		b.handleCommand(context.Background(), sender, text)
		return struct{}{}, nil
	})
	return nil
}

// Kick 只在 hub 关闭时发生，机器人随之停止接收。
func (b *Bot) Kick(reason string) {
	if b.closed.CompareAndSwap(false, true) {
		b.Logger().Info("system user kicked", zap.String("reason", reason))
	}
}

// Stop 注销机器人并释放资源，可重复调用。
func (b *Bot) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		b.hub.Logout(ctx, b)
		b.pool.Release()
		b.handle.Release()
	})
}

func (b *Bot) reply(ctx context.Context, to types.UIN, text string) {
	if !b.present.Contain(to) {
		return
	}
	msg := message.NewChat(b.UIN(), text)
	if err := b.hub.SendMessage(ctx, to, msg, types.SendTransient, b.UIN()); err != nil {
		b.Logger().Debug("system reply failed", zap.Stringer("to", to), zap.Error(err))
	}
}

func (b *Bot) handleCommand(ctx context.Context, sender types.UIN, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	cmd, ok := commands[name]
	if !ok {
		b.reply(ctx, sender, "unknown command "+name+", try help")
		return
	}
	if len(args) < cmd.args {
		b.reply(ctx, sender, "usage: "+cmd.usage)
		return
	}
	if cmd.admin && !b.hub.IsAdmin(ctx, sender) {
		b.reply(ctx, sender, "permission denied")
		return
	}
	out, err := cmd.run(ctx, b, sender, args)
	switch {
	case errors.Is(err, merr.ErrUserNotFound):
		out = "no such user"
	case errors.Is(err, merr.ErrPermissionDenied):
		out = "permission denied"
	case err != nil:
		b.Logger().Warn("system command failed", zap.String("command", name), zap.Stringer("sender", sender), zap.Error(err))
		out = "command failed"
	}
	b.reply(ctx, sender, out)
}
