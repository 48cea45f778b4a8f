package userdata

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
)

// entry 是缓存中的活跃条目。
// refs = 未释放的长期句柄数 + (1 当且仅当已被 hub 登录固定)。
type entry struct {
	mu  sync.RWMutex // 保护 rec 的可变字段
	rec Record

	refs   atomic.Int32
	pinned bool // 受 Cache.mu 保护
}

func (e *entry) snapshot() Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec
}

// Handle 是用户数据句柄：一份不可变快照，加上可选的活跃条目引用。
// 没有活跃条目的句柄只能用于展示。
type Handle struct {
	snap     Record
	e        *entry
	cache    *Cache
	released atomic.Bool
}

func (h *Handle) UIN() types.UIN {
	return h.snap.UIN
}

func (h *Handle) Nickname() string {
	return h.snap.Nickname
}

// Flags 对活跃句柄返回最新值，否则返回快照值。
func (h *Handle) Flags() types.UserFlags {
	if h.e != nil {
		h.e.mu.RLock()
		defer h.e.mu.RUnlock()
		return h.e.rec.Flags
	}
	return h.snap.Flags
}

func (h *Handle) PasswordHash() string {
	if h.e != nil {
		h.e.mu.RLock()
		defer h.e.mu.RUnlock()
		return h.e.rec.PasswordHash
	}
	return h.snap.PasswordHash
}

func (h *Handle) TOTPSecret() string {
	return h.snap.TOTPSecret
}

// Record 返回当前记录的副本。
func (h *Handle) Record() Record {
	if h.e != nil {
		return h.e.snapshot()
	}
	return h.snap
}

// IsLive 表示句柄持有未释放的活跃引用。
func (h *Handle) IsLive() bool {
	return h.e != nil && !h.released.Load()
}

// Release 释放长期引用。对快照句柄无操作，重复释放只记录告警。
func (h *Handle) Release() {
	if h == nil || h.e == nil {
		return
	}
	if !h.released.CompareAndSwap(false, true) {
		log.Warn("user handle released twice", log.FieldUIN(h.snap.UIN), zap.Stack("stack"))
		return
	}
	h.cache.release(h.e)
}
