package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// 包体构造与解析。所有整数均为小端。

// Handshake 是客户端的第一个包。
type Handshake struct {
	Username string
	Password string
	// 客户端版本号，分别来自 FieldC 与 FieldD。
	Major  int32
	Minor  int32
	Ticket int32
}

// ParseHandshake 解析握手包：userLen, passLen, user, pass。
func ParseHandshake(p *Packet) (*Handshake, error) {
	if p.Type != TypeHandshake {
		return nil, merr.WrapErrProtocol(fmt.Sprintf("expected handshake, got %s", p.Type))
	}
	b := p.Body
	if len(b) < 8 {
		return nil, merr.WrapErrProtocol("handshake body too short")
	}
	userLen := int32(binary.LittleEndian.Uint32(b[0:4]))
	passLen := int32(binary.LittleEndian.Uint32(b[4:8]))
	if userLen < 0 || passLen < 0 || int64(userLen)+int64(passLen) > int64(len(b)-8) {
		return nil, merr.WrapErrProtocol(
			fmt.Sprintf("handshake lengths %d/%d exceed body %d", userLen, passLen, len(b)-8))
	}
	user := b[8 : 8+userLen]
	pass := b[8+userLen : 8+userLen+passLen]
	return &Handshake{
		Username: string(bytes.TrimRight(user, "\x00")),
		Password: string(bytes.TrimRight(pass, "\x00")),
		Major:    p.FieldC,
		Minor:    p.FieldD,
		Ticket:   p.Ticket,
	}, nil
}

// EncodeHandshake 构造握手包，客户端与测试使用。
func EncodeHandshake(h *Handshake) *Packet {
	body := make([]byte, 8, 8+len(h.Username)+len(h.Password)+2)
	user := append([]byte(h.Username), 0)
	pass := append([]byte(h.Password), 0)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(user)))
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(pass)))
	body = append(body, user...)
	body = append(body, pass...)
	p := New(TypeHandshake, body)
	p.FieldC = h.Major
	p.FieldD = h.Minor
	p.Ticket = h.Ticket
	return p
}

// ResponseCode 是握手响应中 FieldA 的取值。
type ResponseCode int32

const (
	ResponseUnknown ResponseCode = iota
	ResponseOK
	ResponseOffline
	ResponseInvalidUser
	ResponseAlreadyLoggedIn
	ResponseTooManyUsers
	ResponseInternalError
	ResponseNeedsUpdate
)

var responseNames = [...]string{
	"unknown", "ok", "offline", "invalid_user",
	"already_logged_in", "too_many_users", "internal_error", "needs_update",
}

func (c ResponseCode) String() string {
	if c >= 0 && int(c) < len(responseNames) {
		return responseNames[c]
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// HandshakeResponse 构造握手响应。
// 成功时包体为用户 UIN（字段顺序反转）加服务器 UIN（正常顺序），其余情况包体为空。
func HandshakeResponse(code ResponseCode, ticket int32, user, server types.UIN) *Packet {
	var body []byte
	if code == ResponseOK {
		body = make([]byte, 2*types.UINSize)
		types.PutUINReversed(body[0:], user)
		types.PutUIN(body[types.UINSize:], server)
	}
	p := New(TypeHandshakeResponse, body)
	p.FieldA = int32(code)
	p.Ticket = ticket
	return p
}

// ParseHandshakeResponse 是 HandshakeResponse 的逆操作。
func ParseHandshakeResponse(p *Packet) (code ResponseCode, user, server types.UIN, err error) {
	if p.Type != TypeHandshakeResponse {
		return 0, 0, 0, merr.WrapErrProtocol(fmt.Sprintf("expected handshake response, got %s", p.Type))
	}
	code = ResponseCode(p.FieldA)
	if code != ResponseOK {
		return code, 0, 0, nil
	}
	if user, err = types.ReadUINReversed(p.Body); err != nil {
		return code, 0, 0, err
	}
	if len(p.Body) < 2*types.UINSize {
		return code, 0, 0, merr.WrapErrProtocol("handshake response body too short")
	}
	server, err = types.ReadUIN(p.Body[types.UINSize:])
	return code, user, server, err
}

// Message 构造消息包：目标 UIN 加消息信封。
func Message(dest types.UIN, envelope []byte) *Packet {
	body := make([]byte, 0, types.UINSize+len(envelope))
	body = types.AppendUIN(body, dest)
	body = append(body, envelope...)
	return New(TypeMessage, body)
}

// ParseMessage 解析消息包，返回的 envelope 与包体共享内存。
func ParseMessage(p *Packet) (types.UIN, []byte, error) {
	dest, err := types.ReadUIN(p.Body)
	if err != nil {
		return 0, nil, err
	}
	return dest, p.Body[types.UINSize:], nil
}

// VirtualCircuit 构造虚电路包（打开、接受、关闭）。
// FieldA 为源 slot，FieldB 为目标 slot，包体为对端 UIN。
func VirtualCircuit(t Type, srcSlot, dstSlot int32, uin types.UIN) *Packet {
	p := New(t, types.AppendUIN(nil, uin))
	p.FieldA = srcSlot
	p.FieldB = dstSlot
	return p
}

// ParseVirtualCircuit 返回源 slot、目标 slot 与包体中的 UIN。
func ParseVirtualCircuit(p *Packet) (srcSlot, dstSlot int32, uin types.UIN, err error) {
	switch p.Type {
	case TypeVirtualConnect, TypeVirtualAccept, TypeVirtualClose:
	default:
		return 0, 0, 0, merr.WrapErrProtocol(fmt.Sprintf("expected virtual circuit, got %s", p.Type))
	}
	uin, err = types.ReadUIN(p.Body)
	return p.FieldA, p.FieldB, uin, err
}

// UINRequest 构造包体只有一个 UIN 的请求（在线查询、用户数据、随机用户响应等）。
func UINRequest(t Type, uin types.UIN) *Packet {
	return New(t, types.AppendUIN(nil, uin))
}

// ParseUINBody 读取包体开头的 UIN。
func ParseUINBody(p *Packet) (types.UIN, error) {
	return types.ReadUIN(p.Body)
}

// OnlineQueryResponse 的 FieldA 为 1 表示在线。
func OnlineQueryResponse(ticket int32, uin types.UIN, online bool) *Packet {
	p := UINRequest(TypeOnlineQuery, uin)
	p.Ticket = ticket
	if online {
		p.FieldA = 1
	}
	return p
}

// UserDataResponse 的 FieldA 为 1 表示找到，包体为 UIN 加昵称。
func UserDataResponse(ticket int32, uin types.UIN, nickname string, found bool) *Packet {
	body := types.AppendUIN(nil, uin)
	p := New(TypeUserData, body)
	p.Ticket = ticket
	if found {
		p.FieldA = 1
		p.Body = append(p.Body, nickname...)
	}
	return p
}

// ParseUserDataResponse 是 UserDataResponse 的逆操作。
func ParseUserDataResponse(p *Packet) (uin types.UIN, nickname string, found bool, err error) {
	if uin, err = types.ReadUIN(p.Body); err != nil {
		return 0, "", false, err
	}
	return uin, string(p.Body[types.UINSize:]), p.FieldA == 1, nil
}

// RandomUserResponse 的包体为选中的 UIN，没有可选用户时为零 UIN。
func RandomUserResponse(ticket int32, uin types.UIN) *Packet {
	p := UINRequest(TypeRandomUser, uin)
	p.Ticket = ticket
	return p
}

// UserOnline 是上线通知：UIN 加昵称。
func UserOnline(uin types.UIN, nickname string) *Packet {
	body := types.AppendUIN(nil, uin)
	return New(TypeUserOnline, append(body, nickname...))
}

// ParseUserOnline 是 UserOnline 的逆操作。
func ParseUserOnline(p *Packet) (types.UIN, string, error) {
	uin, err := types.ReadUIN(p.Body)
	if err != nil {
		return 0, "", err
	}
	return uin, string(p.Body[types.UINSize:]), nil
}

// UserOffline 是下线通知。
func UserOffline(uin types.UIN) *Packet {
	return UINRequest(TypeUserOffline, uin)
}
