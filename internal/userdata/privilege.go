package userdata

import (
	"context"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Privilege 是修改用户记录的凭证，只能由 (*Cache).Privilege 构造。
type Privilege struct {
	c *Cache
}

// Privilege 返回本缓存的修改凭证，由 hub 持有。
func (c *Cache) Privilege() Privilege {
	return Privilege{c: c}
}

func (p Privilege) check(h *Handle) error {
	if p.c == nil || h == nil || h.cache != p.c {
		return merr.WrapErrPermissionDenied("unknown", "mutate user data")
	}
	if h.e == nil {
		return merr.ErrHandleNotLive
	}
	if h.released.Load() {
		return merr.ErrHandleReleased
	}
	return nil
}

// SetFlags 写穿到存储后更新活跃条目。
func SetFlags(ctx context.Context, p Privilege, h *Handle, flags types.UserFlags) error {
	return mutate(ctx, p, h, func(r *Record) { r.Flags = flags })
}

// SetPasswordHash 写穿到存储后更新活跃条目。
func SetPasswordHash(ctx context.Context, p Privilege, h *Handle, hash string) error {
	return mutate(ctx, p, h, func(r *Record) { r.PasswordHash = hash })
}

func mutate(ctx context.Context, p Privilege, h *Handle, fn func(*Record)) error {
	if err := p.check(h); err != nil {
		return err
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	rec := h.e.rec
	fn(&rec)
	if err := p.c.store.Update(ctx, &rec); err != nil {
		return err
	}
	h.e.rec = rec
	return nil
}
