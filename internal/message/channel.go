package message

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const (
	// ChannelReject 是拒收回弹使用的频道。
	ChannelReject = "reject"
	// ChannelChat 是聊天频道，系统机器人在此接收命令。
	ChannelChat = "chat"

	// MaxParams 是频道事件参数个数上限。
	MaxParams = 2
)

// ParamKind 是频道事件参数的类型标签。
type ParamKind uint32

const (
	ParamInt ParamKind = iota
	ParamFloat
	ParamString
)

// Param 是频道事件的一个类型化参数。
type Param struct {
	Kind  ParamKind
	Int   int32
	Float float32
	Str   string
}

func IntParam(v int32) Param     { return Param{Kind: ParamInt, Int: v} }
func FloatParam(v float32) Param { return Param{Kind: ParamFloat, Float: v} }
func StringParam(v string) Param { return Param{Kind: ParamString, Str: v} }

func (p Param) String() string {
	switch p.Kind {
	case ParamInt:
		return fmt.Sprint(p.Int)
	case ParamFloat:
		return fmt.Sprint(p.Float)
	default:
		return p.Str
	}
}

// ChannelEvent 是 WRIT 消息：频道名、事件 id 与至多两个参数。
//
// 负载布局：channelLen u32, channel, id i32, paramCount u32,
// 每个参数为 kind u32 加值（int32 / float32 位 / strLen u32 + bytes）。
type ChannelEvent struct {
	Channel string
	ID      int32
	Params  []Param
}

// ChannelEvent 解析频道事件负载。
func (m *Message) ChannelEvent() (*ChannelEvent, error) {
	if m.Type != TypeChannelEvent {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("message type %s is not a channel event", m.Type))
	}
	r := reader{b: m.Payload}
	channel, err := r.str()
	if err != nil {
		return nil, err
	}
	id, err := r.u32()
	if err != nil {
		return nil, err
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > MaxParams {
		return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("channel event has %d params", count))
	}
	ev := &ChannelEvent{Channel: channel, ID: int32(id)}
	for i := uint32(0); i < count; i++ {
		kind, err := r.u32()
		if err != nil {
			return nil, err
		}
		switch ParamKind(kind) {
		case ParamInt:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			ev.Params = append(ev.Params, IntParam(int32(v)))
		case ParamFloat:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			ev.Params = append(ev.Params, FloatParam(math.Float32frombits(v)))
		case ParamString:
			v, err := r.str()
			if err != nil {
				return nil, err
			}
			ev.Params = append(ev.Params, StringParam(v))
		default:
			return nil, merr.WrapErrMessageInvalid(fmt.Sprintf("unknown param kind %d", kind))
		}
	}
	return ev, nil
}

// Payload 编码频道事件负载，超出 MaxParams 的参数被截断。
func (ev *ChannelEvent) Payload() []byte {
	params := ev.Params
	if len(params) > MaxParams {
		params = params[:MaxParams]
	}
	b := make([]byte, 0, 16+len(ev.Channel))
	b = appendStr(b, ev.Channel)
	b = binary.LittleEndian.AppendUint32(b, uint32(ev.ID))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(params)))
	for _, p := range params {
		b = binary.LittleEndian.AppendUint32(b, uint32(p.Kind))
		switch p.Kind {
		case ParamInt:
			b = binary.LittleEndian.AppendUint32(b, uint32(p.Int))
		case ParamFloat:
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Float))
		default:
			b = appendStr(b, p.Str)
		}
	}
	return b
}

// NewChannelEvent 构造一条新的频道事件消息。
func NewChannelEvent(sender types.UIN, channel string, id int32, params ...Param) *Message {
	ev := &ChannelEvent{Channel: channel, ID: id, Params: params}
	return &Message{Sender: sender, Type: TypeChannelEvent, Payload: ev.Payload()}
}

// NewReject 构造一条携带单行原因的拒收消息。
func NewReject(sender types.UIN, reason string) *Message {
	return NewChannelEvent(sender, ChannelReject, 0, StringParam(reason))
}

// NewChat 构造一条聊天文本消息。
func NewChat(sender types.UIN, text string) *Message {
	return NewChannelEvent(sender, ChannelChat, 0, StringParam(text))
}

// ChatText 返回聊天消息的文本，不是聊天消息时 ok 为 false。
func (m *Message) ChatText() (string, bool) {
	if m.Type != TypeChannelEvent {
		return "", false
	}
	ev, err := m.ChannelEvent()
	if err != nil || ev.Channel != ChannelChat || len(ev.Params) == 0 || ev.Params[0].Kind != ParamString {
		return "", false
	}
	return ev.Params[0].Str, true
}

type reader struct {
	b []byte
}

func (r *reader) u32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, merr.WrapErrMessageInvalid("channel event truncated")
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(r.b)) {
		return "", merr.WrapErrMessageInvalid("channel event string truncated")
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s, nil
}

func appendStr(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}
