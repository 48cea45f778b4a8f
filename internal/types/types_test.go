package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

func TestUINParts(t *testing.T) {
	u := NewUIN(7, KindRegular)
	assert.Equal(t, uint32(7), u.ID())
	assert.Equal(t, KindRegular, u.Kind())
	assert.Equal(t, "7+1", u.String())
	assert.False(t, u.IsZero())
	assert.True(t, UIN(0).IsZero())
	assert.NotEqual(t, NewUIN(7, KindRegular), NewUIN(7, KindTest))
}

func TestUINWireRoundTrip(t *testing.T) {
	ids := []uint32{0, 1, 2, 0xFFFF, 0x10000, 0x7FFFFFFF, 0xFFFFFFFF}
	kinds := []Kind{KindSystem, KindRegular, KindTest, 0x7FFF, 0xFFFF}
	buf := make([]byte, UINSize)
	for _, id := range ids {
		for _, kind := range kinds {
			u := NewUIN(id, kind)

			PutUIN(buf, u)
			got, err := ReadUIN(buf)
			require.NoError(t, err)
			assert.Equal(t, u, got)

			PutUINReversed(buf, u)
			got, err = ReadUINReversed(buf)
			require.NoError(t, err)
			assert.Equal(t, u, got)

			parsed, err := ParseUIN(u.String())
			require.NoError(t, err)
			assert.Equal(t, u, parsed)
		}
	}
}

func TestUINWireLayout(t *testing.T) {
	u := NewUIN(0x01020304, KindRegular)
	buf := make([]byte, UINSize)
	PutUIN(buf, u)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x00, 0x00, 0x01, 0x00}, buf)

	PutUINReversed(buf, u)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00, 0x04, 0x03, 0x02, 0x01}, buf)

	assert.Equal(t, buf[4:], AppendUIN(nil, u)[:4])
}

func TestReadUINShort(t *testing.T) {
	_, err := ReadUIN([]byte{1, 2, 3})
	assert.ErrorIs(t, err, merr.ErrProtocol)
}

func TestParseUINInvalid(t *testing.T) {
	for _, s := range []string{"", "7", "x+1", "7+y", "7+70000"} {
		_, err := ParseUIN(s)
		assert.ErrorIs(t, err, merr.ErrParameterInvalid, s)
	}
}

func TestUINText(t *testing.T) {
	text, err := NewUIN(9, KindTest).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "9+2", string(text))

	var u UIN
	require.NoError(t, u.UnmarshalText([]byte("12+1")))
	assert.Equal(t, NewUIN(12, KindRegular), u)
}

func TestUserFlags(t *testing.T) {
	f := FlagAdmin.With(FlagMutedChat)
	assert.True(t, f.Has(FlagAdmin))
	assert.True(t, f.Has(FlagAdmin|FlagMutedChat))
	assert.False(t, f.Has(FlagFrozen))
	assert.Equal(t, "admin|muted-chat", f.String())
	assert.Equal(t, FlagAdmin, f.Without(FlagMutedChat))
	assert.Equal(t, "none", UserFlags(0).String())
}

func TestSendTypes(t *testing.T) {
	assert.Equal(t, Discard, SendTransient.EffectiveFail())
	assert.Equal(t, Spool, SendSpooled.EffectiveFail())
	assert.Equal(t, Reject, SendBounced.EffectiveFail())
	assert.Equal(t, Discard, SendReject.EffectiveFail())

	reject := SendBounced
	reject.IsReject = true
	assert.Equal(t, Discard, reject.EffectiveFail())
	assert.Equal(t, "spool", Spool.String())
}
