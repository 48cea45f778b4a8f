package packet

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const defaultMaxBodySize int32 = 1 << 20 // 1MB

// Framer 负责在字节流上读写 32 字节包头加包体的帧。
type Framer struct {
	// MaxBodySize 为允许的最大包体，单位字节。为 0 时使用默认值。
	MaxBodySize int32
}

// NewFramer 创建帧读写器，maxBodySize 为 0 时使用默认值。
func NewFramer(maxBodySize int32) *Framer {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Framer{MaxBodySize: maxBodySize}
}

// ReadPacket 读取一个完整的包。
// 包体长度为负或超过上限时返回 ErrProtocol，底层读错误原样返回（io.EOF 等）。
func (f *Framer) ReadPacket(r io.Reader) (*Packet, error) {
	var head [HeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(head[:])
	if err != nil {
		return nil, err
	}
	if h.FurtherDataLen < 0 {
		return nil, merr.WrapErrProtocol("negative body length")
	}
	if h.FurtherDataLen > f.effectiveMaxSize() {
		return nil, merr.WrapErrProtocol(
			fmt.Sprintf("body length %d exceeds limit %d", h.FurtherDataLen, f.effectiveMaxSize()),
			h.Type.String())
	}

	p := &Packet{Header: h}
	if h.FurtherDataLen > 0 {
		p.Body = make([]byte, h.FurtherDataLen)
		if _, err := io.ReadFull(r, p.Body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return p, nil
}

// WritePacket 编码并一次性写出整个包。
func (f *Framer) WritePacket(w io.Writer, p *Packet) error {
	if p == nil {
		return merr.WrapErrParameterMissing("packet")
	}
	if int64(len(p.Body)) > int64(f.effectiveMaxSize()) {
		return merr.WrapErrPacketTooLarge(int64(len(p.Body)), int64(f.effectiveMaxSize()))
	}
	_, err := w.Write(p.Bytes())
	return err
}

func (f *Framer) effectiveMaxSize() int32 {
	if f == nil || f.MaxBodySize <= 0 {
		return defaultMaxBodySize
	}
	return f.MaxBodySize
}
