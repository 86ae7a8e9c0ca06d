package router

import (
	"errors"

	"groupchat/protocol"
	"groupchat/server/store"
)

var (
	ErrNotRegistered    = errors.New("user_join required")
	ErrNotJoined        = errors.New("not a member of this channel")
	ErrUnknownRecipient = errors.New("recipient is not connected")
	ErrPersistence      = errors.New("message could not be saved")
)

// Error carries the ids a client needs to correlate a failure with its request.
type Error struct {
	Err       error
	TempID    string
	MessageID string
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func codeOf(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidInput), errors.Is(err, protocol.ErrInvalidParticipants):
		return protocol.CodeInvalidInput
	case errors.Is(err, ErrNotRegistered):
		return protocol.CodeNotRegistered
	case errors.Is(err, ErrNotJoined):
		return protocol.CodeNotJoined
	case errors.Is(err, ErrUnknownRecipient):
		return protocol.CodeUnknownRecipient
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrPersistence):
		return protocol.CodePersistenceFailure
	default:
		return protocol.CodeInternal
	}
}
