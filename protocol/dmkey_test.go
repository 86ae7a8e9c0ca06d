package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKeyIsCommutative(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := uuid.NewString(), uuid.NewString()
		ab, err := ChannelKey(a, b)
		require.NoError(t, err)
		ba, err := ChannelKey(b, a)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)

		x, y, ok := ParticipantsOf(ab)
		require.True(t, ok)
		assert.ElementsMatch(t, []string{a, b}, []string{x, y})
	}
}

func TestChannelKeyFormat(t *testing.T) {
	key, err := ChannelKey("zeta", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "dm_alpha::zeta", key)
}

func TestChannelKeyRejectsInvalidParticipants(t *testing.T) {
	cases := [][2]string{
		{"", "b"},
		{"a", ""},
		{"a::b", "c"},
		{"a b", "c"},
		{"a/b", "c"},
	}
	for _, c := range cases {
		_, err := ChannelKey(c[0], c[1])
		assert.ErrorIs(t, err, ErrInvalidParticipants, "ids %q", c)
	}
}

func TestSelfDM(t *testing.T) {
	key, err := ChannelKey("same", "same")
	require.NoError(t, err)
	a, b, ok := ParticipantsOf(key)
	require.True(t, ok)
	assert.Equal(t, "same", a)
	assert.Equal(t, "same", b)

	other, ok := OtherParticipant(key, "same")
	require.True(t, ok)
	assert.Equal(t, "same", other)
}

func TestParticipantsOfRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{
		"General",
		"dm_",
		"dm_onlyone",
		"dm_a::b::c",
		"dm_b::a", // not canonical
		"dm_::b",
		"xdm_a::b",
	} {
		_, _, ok := ParticipantsOf(key)
		assert.False(t, ok, key)
		assert.False(t, IsDMKey(key), key)
	}
}

func TestOtherParticipant(t *testing.T) {
	key, err := ChannelKey("x1", "y2")
	require.NoError(t, err)

	other, ok := OtherParticipant(key, "x1")
	require.True(t, ok)
	assert.Equal(t, "y2", other)

	other, ok = OtherParticipant(key, "y2")
	require.True(t, ok)
	assert.Equal(t, "x1", other)

	_, ok = OtherParticipant(key, "z3")
	assert.False(t, ok)
	assert.True(t, HasParticipant(key, "x1"))
	assert.False(t, HasParticipant(key, "z3"))
}
