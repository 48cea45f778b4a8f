package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	sender := types.NewUIN(7, types.KindRegular)
	m := &Message{Sender: sender, Type: TypeBlockSet, Payload: []byte("creature-bytes")}
	m.Reserved[0] = 0xEE
	m.Reserved[19] = 0xFF
	m.InnerReserved = 99

	b := m.Encode()
	require.Len(t, b, OuterHeaderSize+InnerHeaderSize+len("creature-bytes"))
	assert.Equal(t, uint32(len(b)), binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(InnerHeaderSize+len("creature-bytes")), binary.LittleEndian.Uint32(b[12:16]))
	assert.Equal(t, uint32(0x0C), binary.LittleEndian.Uint32(b[36:40]))

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestWithSenderStampsCopy(t *testing.T) {
	orig := NewChat(types.NewUIN(99, types.KindRegular), "hi")
	stamped := orig.WithSender(types.NewUIN(1, types.KindRegular))
	assert.Equal(t, types.NewUIN(99, types.KindRegular), orig.Sender)

	got, err := Decode(stamped.Encode())
	require.NoError(t, err)
	assert.Equal(t, types.NewUIN(1, types.KindRegular), got.Sender)
	text, ok := got.ChatText()
	assert.True(t, ok)
	assert.Equal(t, "hi", text)
}

func TestDecodeInvalid(t *testing.T) {
	valid := NewChat(types.NewUIN(1, types.KindRegular), "x").Encode()

	_, err := Decode(valid[:20])
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)

	badTotal := append([]byte{}, valid...)
	binary.LittleEndian.PutUint32(badTotal[0:4], 5)
	_, err = Decode(badTotal)
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)

	badInner := append([]byte{}, valid...)
	binary.LittleEndian.PutUint32(badInner[12:16], 5)
	_, err = Decode(badInner)
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)

	badMarker := append([]byte{}, valid...)
	binary.LittleEndian.PutUint32(badMarker[36:40], 0x0D)
	_, err = Decode(badMarker)
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)
}

func TestChannelEvent(t *testing.T) {
	sender := types.NewUIN(3, types.KindRegular)
	m := NewChannelEvent(sender, "contacts", 12, IntParam(-4), FloatParam(1.5))
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	ev, err := got.ChannelEvent()
	require.NoError(t, err)
	assert.Equal(t, "contacts", ev.Channel)
	assert.Equal(t, int32(12), ev.ID)
	require.Len(t, ev.Params, 2)
	assert.Equal(t, int32(-4), ev.Params[0].Int)
	assert.Equal(t, float32(1.5), ev.Params[1].Float)
	assert.False(t, got.IsReject())

	// 超出上限的参数被截断。
	m = NewChannelEvent(sender, "c", 0, IntParam(1), IntParam(2), IntParam(3))
	ev, err = m.ChannelEvent()
	require.NoError(t, err)
	assert.Len(t, ev.Params, MaxParams)
}

func TestChannelEventInvalid(t *testing.T) {
	m := &Message{Type: TypeChannelEvent, Payload: []byte{10, 0, 0, 0, 'a'}}
	_, err := m.ChannelEvent()
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)

	ev := (&ChannelEvent{Channel: "c"}).Payload()
	binary.LittleEndian.PutUint32(ev[len(ev)-4:], 3)
	m = &Message{Type: TypeChannelEvent, Payload: ev}
	_, err = m.ChannelEvent()
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)

	_, err = (&Message{Type: TypeBlockSet}).ChannelEvent()
	assert.ErrorIs(t, err, merr.ErrMessageInvalid)
}

func TestReject(t *testing.T) {
	server := types.NewUIN(1, types.KindSystem)
	r := NewReject(server, "user is offline")
	assert.True(t, r.IsReject())
	ev, err := r.ChannelEvent()
	require.NoError(t, err)
	assert.Equal(t, "user is offline", ev.Params[0].Str)

	_, ok := r.ChatText()
	assert.False(t, ok)
	assert.False(t, (&Message{Type: 7}).IsReject())
	assert.Equal(t, "opaque(7)", Type(7).String())
}
