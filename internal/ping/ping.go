// Package ping 用虚电路的打开、接受、关闭往返为一次投递取得确认。
package ping

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/warp-hub-go/internal/network/packet"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
)

// MaxSlots 是同时未决的 ping 上限，slot 0 保留。
const MaxSlots = 65535

// Callback 在 ping 得到确认(true)或失败(false)时调用，每次 AddPing 恰好一次。
type Callback func(ok bool)

type Option func(*Manager)

// WithTimeout 为每个 ping 设置超时，超时按失败处理。0 表示不超时。
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

type pending struct {
	cb    Callback
	timer *time.Timer
}

// Manager 是单个连接的 ping 表。
type Manager struct {
	server types.UIN
	peer   types.UIN
	send   func([]byte) error

	mu      sync.Mutex
	entries map[uint16]*pending
	next    uint16
	closed  bool
	timeout time.Duration
}

// New 创建 ping 表。send 把整包字节写到对端连接。
func New(server, peer types.UIN, send func([]byte) error, opts ...Option) *Manager {
	m := &Manager{
		server:  server,
		peer:    peer,
		send:    send,
		entries: make(map[uint16]*pending),
		next:    1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPing 登记一个 ping 并返回要发送的打开包。
// 表已关闭或 slot 用尽时返回 nil，cb 立即以 false 调用。
func (m *Manager) AddPing(cb Callback) []byte {
	_, _, data := m.addPing(cb)
	return data
}

func (m *Manager) addPing(cb Callback) (uint16, *pending, []byte) {
	m.mu.Lock()
	if m.closed || len(m.entries) >= MaxSlots {
		m.mu.Unlock()
		cb(false)
		return 0, nil, nil
	}
	slot := m.allocLocked()
	p := &pending{cb: cb}
	if m.timeout > 0 {
		p.timer = time.AfterFunc(m.timeout, func() { m.expire(slot, p) })
	}
	m.entries[slot] = p
	m.mu.Unlock()

	metrics.PingsOutstanding.Inc()
	return slot, p, packet.VirtualCircuit(packet.TypeVirtualConnect, int32(slot), 0, m.peer).Bytes()
}

func (m *Manager) allocLocked() uint16 {
	for {
		slot := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, used := m.entries[slot]; !used {
			return slot
		}
	}
}

// Ping 登记并立即发送；发送失败时撤销该项并以 false 回调。
func (m *Manager) Ping(cb Callback) error {
	return m.PingVia(cb, m.send)
}

// PingVia 与 Ping 相同，但经由 send 写出，供已持有连接发送锁的调用方使用。
func (m *Manager) PingVia(cb Callback, send func([]byte) error) error {
	slot, p, data := m.addPing(cb)
	if data == nil {
		return nil
	}
	if err := send(data); err != nil {
		if p = m.take(slot, p); p != nil {
			m.finish(p, false)
		}
		return err
	}
	return nil
}

// take 从表中取出 slot 对应的项，want 非 nil 时要求是同一项。
func (m *Manager) take(slot uint16, want *pending) *pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[slot]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(m.entries, slot)
	return p
}

func (m *Manager) finish(p *pending, ok bool) {
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.PingsOutstanding.Dec()
	p.cb(ok)
}

func (m *Manager) expire(slot uint16, p *pending) {
	if p = m.take(slot, p); p != nil {
		log.Debug("ping timed out", log.FieldUIN(m.peer), zap.Uint16("slot", slot))
		m.finish(p, false)
	}
}

// HandleResponse 处理对端发来的虚电路接受包。
// 只有发给服务器、且 slot 匹配未决项的接受包会被消费并返回 true。
func (m *Manager) HandleResponse(pkt *packet.Packet) bool {
	if pkt.Type != packet.TypeVirtualAccept {
		return false
	}
	src, dst, uin, err := packet.ParseVirtualCircuit(pkt)
	if err != nil || uin != m.server || dst <= 0 || dst > MaxSlots {
		return false
	}
	p := m.take(uint16(dst), nil)
	if p == nil {
		return false
	}
	m.finish(p, true)

	closePkt := packet.VirtualCircuit(packet.TypeVirtualClose, dst, src, m.peer)
	if err := m.send(closePkt.Bytes()); err != nil {
		log.Debug("failed to close virtual circuit", log.FieldUIN(m.peer), zap.Error(err))
	}
	return true
}

// Logout 关闭 ping 表并以 false 回调全部未决项，可重复调用。
func (m *Manager) Logout() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[uint16]*pending)
	m.mu.Unlock()

	for _, p := range entries {
		m.finish(p, false)
	}
}

func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
