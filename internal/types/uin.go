package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// Kind 是 UIN 的 16 位类别标记。
type Kind uint16

const (
	// KindSystem 用于服务器自身与系统机器人等内部身份。
	KindSystem Kind = 0
	// KindRegular 为普通玩家账号。
	KindRegular Kind = 1
	// KindTest 为测试账号。
	KindTest Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindRegular:
		return "regular"
	case KindTest:
		return "test"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// UINSize 是 UIN 在线路上的字节数。
const UINSize = 8

// UIN 是 64 位用户标识：低 32 位为唯一 id，最高 16 位为 Kind。
// 中间 16 位保留为 0。
type UIN uint64

// NewUIN 由 id 与类别组合出 UIN。
func NewUIN(id uint32, kind Kind) UIN {
	return UIN(uint64(kind)<<48 | uint64(id))
}

func (u UIN) ID() uint32 {
	return uint32(u)
}

func (u UIN) Kind() Kind {
	return Kind(uint64(u) >> 48)
}

// IsZero 表示“无用户”。
func (u UIN) IsZero() bool {
	return u == 0
}

// String 以 id+kind 形式输出，例如 "7+1"。
func (u UIN) String() string {
	return strconv.FormatUint(uint64(u.ID()), 10) + "+" + strconv.FormatUint(uint64(u.Kind()), 10)
}

// ParseUIN 解析 id+kind 形式的字符串。
func ParseUIN(s string) (UIN, error) {
	idPart, kindPart, ok := strings.Cut(strings.TrimSpace(s), "+")
	if !ok {
		return 0, merr.WrapErrParameterInvalidMsg("uin %q must be id+kind", s)
	}
	id, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		return 0, merr.WrapErrParameterInvalidMsg("uin %q has bad id: %v", s, err)
	}
	kind, err := strconv.ParseUint(kindPart, 10, 16)
	if err != nil {
		return 0, merr.WrapErrParameterInvalidMsg("uin %q has bad kind: %v", s, err)
	}
	return NewUIN(uint32(id), Kind(kind)), nil
}

// MarshalText 使 UIN 在 JSON 中以 id+kind 字符串出现。
func (u UIN) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UIN) UnmarshalText(text []byte) error {
	parsed, err := ParseUIN(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// 线路格式为两个小端 uint32：第一个是 id，第二个的高 16 位是 kind。

// PutUIN 按正常字段顺序写入 b[0:8]。
func PutUIN(b []byte, u UIN) {
	binary.LittleEndian.PutUint32(b[0:4], u.ID())
	binary.LittleEndian.PutUint32(b[4:8], uint32(u.Kind())<<16)
}

// ReadUIN 按正常字段顺序读取 b[0:8]。
func ReadUIN(b []byte) (UIN, error) {
	if len(b) < UINSize {
		return 0, merr.WrapErrProtocol(fmt.Sprintf("uin needs %d bytes, got %d", UINSize, len(b)))
	}
	id := binary.LittleEndian.Uint32(b[0:4])
	kindWord := binary.LittleEndian.Uint32(b[4:8])
	return NewUIN(id, Kind(kindWord>>16)), nil
}

// PutUINReversed 先写 kind 字再写 id 字，仅握手成功响应使用这种顺序。
func PutUINReversed(b []byte, u UIN) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(u.Kind())<<16)
	binary.LittleEndian.PutUint32(b[4:8], u.ID())
}

// ReadUINReversed 是 PutUINReversed 的逆操作。
func ReadUINReversed(b []byte) (UIN, error) {
	if len(b) < UINSize {
		return 0, merr.WrapErrProtocol(fmt.Sprintf("uin needs %d bytes, got %d", UINSize, len(b)))
	}
	kindWord := binary.LittleEndian.Uint32(b[0:4])
	id := binary.LittleEndian.Uint32(b[4:8])
	return NewUIN(id, Kind(kindWord>>16)), nil
}

// AppendUIN 把 UIN 追加到 b 末尾。
func AppendUIN(b []byte, u UIN) []byte {
	var buf [UINSize]byte
	PutUIN(buf[:], u)
	return append(b, buf[:]...)
}
