package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// HeaderSize 是固定包头长度，8 个小端 int32。
const HeaderSize = 32

// Type 是包头中的包类型。
type Type int32

const (
	TypeMessage           Type = 0x09
	TypeHandshakeResponse Type = 0x0a
	TypeUserOnline        Type = 0x0d
	TypeUserOffline       Type = 0x0e
	TypeUserData          Type = 0x0f
	TypeOnlineQuery       Type = 0x13
	TypeClientLogout      Type = 0x14
	TypeVirtualConnect    Type = 0x1e
	TypeVirtualAccept     Type = 0x1f
	TypeVirtualClose      Type = 0x20
	TypeRandomUser        Type = 0x21
	TypeHandshake         Type = 0x25
)

var typeNames = map[Type]string{
	TypeMessage:           "message",
	TypeHandshakeResponse: "handshake_response",
	TypeUserOnline:        "user_online",
	TypeUserOffline:       "user_offline",
	TypeUserData:          "user_data",
	TypeOnlineQuery:       "online_query",
	TypeClientLogout:      "client_logout",
	TypeVirtualConnect:    "virtual_connect",
	TypeVirtualAccept:     "virtual_accept",
	TypeVirtualClose:      "virtual_close",
	TypeRandomUser:        "random_user",
	TypeHandshake:         "handshake",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", int32(t))
}

// Header 是 32 字节包头。FieldA..FieldE 的含义随包类型变化。
type Header struct {
	Type           Type
	FieldA         int32
	FieldB         int32
	FieldC         int32
	FieldD         int32
	Ticket         int32
	FurtherDataLen int32
	FieldE         int32
}

// Put 把包头写入 b[0:HeaderSize]。
func (h *Header) Put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(h.Type))
	le.PutUint32(b[4:], uint32(h.FieldA))
	le.PutUint32(b[8:], uint32(h.FieldB))
	le.PutUint32(b[12:], uint32(h.FieldC))
	le.PutUint32(b[16:], uint32(h.FieldD))
	le.PutUint32(b[20:], uint32(h.Ticket))
	le.PutUint32(b[24:], uint32(h.FurtherDataLen))
	le.PutUint32(b[28:], uint32(h.FieldE))
}

// ParseHeader 从 b 解析包头，不校验 FurtherDataLen。
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, merr.WrapErrProtocol(fmt.Sprintf("header needs %d bytes, got %d", HeaderSize, len(b)))
	}
	le := binary.LittleEndian
	return Header{
		Type:           Type(le.Uint32(b[0:])),
		FieldA:         int32(le.Uint32(b[4:])),
		FieldB:         int32(le.Uint32(b[8:])),
		FieldC:         int32(le.Uint32(b[12:])),
		FieldD:         int32(le.Uint32(b[16:])),
		Ticket:         int32(le.Uint32(b[20:])),
		FurtherDataLen: int32(le.Uint32(b[24:])),
		FieldE:         int32(le.Uint32(b[28:])),
	}, nil
}

// Packet 是一个完整的包：包头加可变长度包体。
type Packet struct {
	Header
	Body []byte
}

// New 创建指定类型的包，FurtherDataLen 在编码时自动修正。
func New(t Type, body []byte) *Packet {
	return &Packet{Header: Header{Type: t}, Body: body}
}

// Bytes 编码整个包。
func (p *Packet) Bytes() []byte {
	buf := make([]byte, HeaderSize+len(p.Body))
	h := p.Header
	h.FurtherDataLen = int32(len(p.Body))
	h.Put(buf)
	copy(buf[HeaderSize:], p.Body)
	return buf
}
