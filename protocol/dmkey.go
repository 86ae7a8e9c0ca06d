package protocol

import (
	"errors"
	"strings"
)

// DMPrefix marks a channel key as a direct-message pairing. Room names may not use it.
const DMPrefix = "dm_"

// dmSeparator never occurs inside a valid connection id.
const dmSeparator = "::"

var ErrInvalidParticipants = errors.New("invalid dm participants")

// ValidConnID reports whether id only uses the connection id alphabet [A-Za-z0-9_-].
func ValidConnID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// ChannelKey derives the canonical DM channel key for two connection ids.
// The result does not depend on argument order. a == b is allowed.
func ChannelKey(a, b string) (string, error) {
	if !ValidConnID(a) || !ValidConnID(b) {
		return "", ErrInvalidParticipants
	}
	if b < a {
		a, b = b, a
	}
	return DMPrefix + a + dmSeparator + b, nil
}

// ParticipantsOf inverts ChannelKey. The ids come back in sorted order.
func ParticipantsOf(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, DMPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, dmSeparator)
	if !ok || !ValidConnID(a) || !ValidConnID(b) || b < a {
		return "", "", false
	}
	return a, b, true
}

// IsDMKey reports whether key is a well formed DM channel key.
func IsDMKey(key string) bool {
	_, _, ok := ParticipantsOf(key)
	return ok
}

// OtherParticipant returns the party of key that is not self. For a self-DM it returns self.
func OtherParticipant(key, self string) (string, bool) {
	a, b, ok := ParticipantsOf(key)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// HasParticipant reports whether id is one of the two parties of key.
func HasParticipant(key, id string) bool {
	a, b, ok := ParticipantsOf(key)
	return ok && (id == a || id == b)
}
