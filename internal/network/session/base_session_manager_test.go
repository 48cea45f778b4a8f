package session

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

func TestBaseSessionManager(t *testing.T) {
	m := NewBaseSessionManager()
	before := testutil.ToFloat64(metrics.OpenConnections)

	var sessions []*BaseSession
	for id := uint64(1); id <= 3; id++ {
		c, peer := net.Pipe()
		t.Cleanup(func() { _ = peer.Close() })
		sess := NewBaseSession(t.Context(), id, c, nil)
		sessions = append(sessions, sess)
		require.NoError(t, m.Register(sess))
	}
	assert.ErrorIs(t, m.Register(sessions[0]), merr.ErrParameterInvalid)
	assert.ErrorIs(t, m.Register(nil), merr.ErrParameterMissing)
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.OpenConnections))

	visited := 0
	m.Range(func(sess Session) bool {
		visited++
		// 回调内注销不会死锁。
		assert.NoError(t, m.Unregister(sess.ID()))
		return visited < 2
	})
	assert.Equal(t, 2, visited)
	assert.Equal(t, 1, m.Count())
	assert.ErrorIs(t, m.Unregister(sessions[0].ID()), merr.ErrIoKeyNotFound)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OpenConnections))

	for _, sess := range sessions {
		_ = sess.Close()
	}
}
