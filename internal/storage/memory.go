package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Memory 是进程内存储，用于测试与 driver=memory。
type Memory struct {
	mu      sync.RWMutex
	users   map[types.UIN]userdata.Record
	nicks   map[string]types.UIN
	spool   map[types.UIN]map[uint64][]byte
	spoolID map[types.UIN]uint64
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[types.UIN]userdata.Record),
		nicks:   make(map[string]types.UIN),
		spool:   make(map[types.UIN]map[uint64][]byte),
		spoolID: make(map[types.UIN]uint64),
	}
}

func (m *Memory) GetByUIN(_ context.Context, uin types.UIN) (*userdata.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[uin]
	if !ok {
		return nil, merr.WrapErrUserNotFound(uin)
	}
	return &rec, nil
}

func (m *Memory) GetByNickname(_ context.Context, folded string) (*userdata.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uin, ok := m.nicks[folded]
	if !ok {
		return nil, merr.WrapErrUserNotFound(folded)
	}
	rec := m.users[uin]
	return &rec, nil
}

func (m *Memory) Create(_ context.Context, rec *userdata.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[rec.UIN]; ok {
		return merr.WrapErrDuplicateUIN(rec.UIN)
	}
	folded := userdata.Fold(rec.Nickname)
	if _, ok := m.nicks[folded]; ok {
		return merr.WrapErrDuplicateNickname(rec.Nickname)
	}
	rec.Folded = folded
	m.users[rec.UIN] = *rec
	m.nicks[folded] = rec.UIN
	return nil
}

func (m *Memory) Update(_ context.Context, rec *userdata.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.users[rec.UIN]
	if !ok {
		return merr.WrapErrUserNotFound(rec.UIN)
	}
	folded := userdata.Fold(rec.Nickname)
	if folded != old.Folded {
		if _, taken := m.nicks[folded]; taken {
			return merr.WrapErrDuplicateNickname(rec.Nickname)
		}
		delete(m.nicks, old.Folded)
		m.nicks[folded] = rec.UIN
	}
	rec.Folded = folded
	m.users[rec.UIN] = *rec
	return nil
}

func (m *Memory) Append(_ context.Context, uin types.UIN, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoolID[uin]++
	id := m.spoolID[uin]
	box, ok := m.spool[uin]
	if !ok {
		box = make(map[uint64][]byte)
		m.spool[uin] = box
	}
	box[id] = append([]byte(nil), data...)
	return id, nil
}

func (m *Memory) List(_ context.Context, uin types.UIN) ([]SpoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box := m.spool[uin]
	entries := make([]SpoolEntry, 0, len(box))
	for id, data := range box {
		entries = append(entries, SpoolEntry{ID: id, Data: append([]byte(nil), data...)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *Memory) Delete(_ context.Context, uin types.UIN, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.spool[uin]
	delete(box, id)
	if len(box) == 0 {
		delete(m.spool, uin)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
