package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// UserInfo 返回用户的展示快照及在线状态。
func (h *Hub) UserInfo(ctx context.Context, uin types.UIN) (*userdata.Handle, bool, error) {
	snap, err := h.cache.GetByUIN(ctx, uin)
	if err != nil {
		return nil, false, err
	}
	return snap, h.registry.IsOnline(uin), nil
}

// LookupNickname 按昵称查找 UIN。
func (h *Hub) LookupNickname(ctx context.Context, nickname string) (types.UIN, error) {
	snap, err := h.cache.GetByNickname(ctx, nickname)
	if err != nil {
		return 0, err
	}
	return snap.UIN(), nil
}

// IsAdmin 判断 actor 是否具有管理权限。服务器与系统身份总是具有。
func (h *Hub) IsAdmin(ctx context.Context, actor types.UIN) bool {
	if actor == h.cfg.ServerUIN || actor == h.cfg.SystemUIN {
		return true
	}
	if conn, ok := h.registry.Get(actor); ok {
		return conn.UserData().Flags().Has(types.FlagAdmin)
	}
	snap, err := h.cache.GetByUIN(ctx, actor)
	return err == nil && snap.Flags().Has(types.FlagAdmin)
}

// SetUserFlags 由 actor 修改 target 的标志，返回修改后的值。
// 冻结在线用户会同时将其踢下线。
func (h *Hub) SetUserFlags(ctx context.Context, actor, target types.UIN, set, clear types.UserFlags) (types.UserFlags, error) {
	if !h.IsAdmin(ctx, actor) {
		return 0, merr.WrapErrPermissionDenied(actor, "set user flags")
	}
	handle, err := h.cache.OpenByUINLT(ctx, target)
	if err != nil {
		return 0, err
	}
	defer handle.Release()

	flags := handle.Flags().With(set).Without(clear)
	if err := userdata.SetFlags(ctx, h.privilege, handle, flags); err != nil {
		return 0, err
	}
	h.registry.ConsiderRandomStatus(target)
	log.Ctx(ctx).Info("user flags changed",
		log.FieldUIN(target),
		zap.Stringer("actor", actor),
		zap.Stringer("flags", flags))

	if flags.Has(types.FlagFrozen) {
		h.Kick(target, "account frozen")
	}
	return flags, nil
}
