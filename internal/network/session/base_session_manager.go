package session

import (
	"strconv"
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// BaseSessionManager 以会话 ID 为键索引连接，并同步 open_connections 指标。
type BaseSessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]Session
}

var _ SessionManager = (*BaseSessionManager)(nil)

func NewBaseSessionManager() *BaseSessionManager {
	return &BaseSessionManager{sessions: make(map[uint64]Session)}
}

func (m *BaseSessionManager) Register(sess Session) error {
	if sess == nil {
		return merr.WrapErrParameterMissing("session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sessions[sess.ID()]; dup {
		return merr.WrapErrParameterInvalidMsg("session %d already registered", sess.ID())
	}
	m.sessions[sess.ID()] = sess
	metrics.OpenConnections.Inc()
	return nil
}

func (m *BaseSessionManager) Unregister(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return merr.WrapErrIoKeyNotFound("session/" + strconv.FormatUint(id, 10))
	}
	delete(m.sessions, id)
	metrics.OpenConnections.Dec()
	return nil
}

// Range 在快照上回调，fn 中可以安全地关闭或注销会话。
func (m *BaseSessionManager) Range(fn func(sess Session) bool) {
	m.mu.RLock()
	snapshot := lo.Values(m.sessions)
	m.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

func (m *BaseSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
