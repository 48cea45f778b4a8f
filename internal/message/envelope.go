package message

import (
	"encoding/binary"
	"fmt"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const (
	// OuterHeaderSize 是外层头长度：总长、发送者 kind、发送者 id、内层长度，再加 20 字节保留区。
	OuterHeaderSize = 36
	// InnerHeaderSize 是内层头长度：标记、消息类型、保留字段。
	InnerHeaderSize = 12

	innerMarker uint32 = 0x0C
	reservedLen        = 20
)

// Type 是内层头中的消息类型。
type Type uint32

const (
	// TypeBlockSet 承载生物、照片、历史等块集合，负载对 hub 不透明。
	TypeBlockSet Type = 0
	// TypeChannelEvent 即 WRIT 频道事件。
	TypeChannelEvent Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeBlockSet:
		return "block_set"
	case TypeChannelEvent:
		return "channel_event"
	default:
		return fmt.Sprintf("opaque(%d)", uint32(t))
	}
}

// Message 是解码后的消息信封。
type Message struct {
	Sender types.UIN
	Type   Type
	// Reserved 与 InnerReserved 原样保留，重新编码时写回。
	Reserved      [reservedLen]byte
	InnerReserved uint32
	Payload       []byte
}

// Decode 解析信封，Payload 与 b 共享内存。
func Decode(b []byte) (*Message, error) {
	if len(b) < OuterHeaderSize+InnerHeaderSize {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("envelope needs %d bytes, got %d",
			OuterHeaderSize+InnerHeaderSize, len(b)))
	}
	le := binary.LittleEndian
	total := le.Uint32(b[0:4])
	senderKind := le.Uint32(b[4:8])
	senderID := le.Uint32(b[8:12])
	innerLen := le.Uint32(b[12:16])
	if int64(total) != int64(len(b)) {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("total length %d does not match %d", total, len(b)))
	}
	if int64(innerLen) != int64(len(b)-OuterHeaderSize) {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("inner length %d does not match %d", innerLen, len(b)-OuterHeaderSize))
	}
	if senderKind > 0xFFFF {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("sender kind %d out of range", senderKind))
	}

	inner := b[OuterHeaderSize:]
	if marker := le.Uint32(inner[0:4]); marker != innerMarker {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("bad inner marker 0x%x", marker))
	}

	m := &Message{
		Sender:        types.NewUIN(senderID, types.Kind(senderKind)),
		Type:          Type(le.Uint32(inner[4:8])),
		InnerReserved: le.Uint32(inner[8:12]),
		Payload:       inner[InnerHeaderSize:],
	}
	copy(m.Reserved[:], b[16:OuterHeaderSize])
	return m, nil
}

// Encode 编码信封，长度字段按 Payload 重新计算。
func (m *Message) Encode() []byte {
	total := OuterHeaderSize + InnerHeaderSize + len(m.Payload)
	b := make([]byte, total)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], uint32(total))
	le.PutUint32(b[4:8], uint32(m.Sender.Kind()))
	le.PutUint32(b[8:12], m.Sender.ID())
	le.PutUint32(b[12:16], uint32(InnerHeaderSize+len(m.Payload)))
	copy(b[16:OuterHeaderSize], m.Reserved[:])

	inner := b[OuterHeaderSize:]
	le.PutUint32(inner[0:4], innerMarker)
	le.PutUint32(inner[4:8], uint32(m.Type))
	le.PutUint32(inner[8:12], m.InnerReserved)
	copy(inner[InnerHeaderSize:], m.Payload)
	return b
}

// WithSender 返回一个发送者被替换的副本，hub 用它写入经过认证的发送者。
func (m *Message) WithSender(uin types.UIN) *Message {
	cp := *m
	cp.Sender = uin
	return &cp
}

// IsReject 判断是否为拒收消息。
func (m *Message) IsReject() bool {
	if m.Type != TypeChannelEvent {
		return false
	}
	ev, err := m.ChannelEvent()
	return err == nil && ev.Channel == ChannelReject
}
