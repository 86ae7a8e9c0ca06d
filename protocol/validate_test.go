package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomName(t *testing.T) {
	for _, ok := range []string{"General", "MERN_Stack", "room-1", "café", strings.Repeat("r", MaxRoomNameLength)} {
		assert.NoError(t, ValidateRoomName(ok), ok)
	}
	for _, bad := range []string{"", " General", "a/b", "dm_x", "tab\there", strings.Repeat("r", MaxRoomNameLength+1)} {
		assert.ErrorIs(t, ValidateRoomName(bad), ErrInvalidInput, bad)
	}
}

func TestValidateChannelAcceptsDMKeys(t *testing.T) {
	key, err := ChannelKey("alpha", "beta")
	assert.NoError(t, err)
	assert.NoError(t, ValidateChannel(key))
	assert.NoError(t, ValidateChannel("Family"))
}

func TestUsernameRules(t *testing.T) {
	for name, want := range map[string]bool{
		"bob": true, "  alice_01  ": true, "x-y-z": true,
		"ab": false, "has space": false, strings.Repeat("u", 21): false,
	} {
		err := (&UserJoin{Username: name}).Validate()
		if want {
			assert.NoError(t, err, name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidInput, name)
		}
	}
}
