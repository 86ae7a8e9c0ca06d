package protocol

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxBodyLength     = 2000
	MaxRoomNameLength = 64
	MaxReactionLength = 32
	MaxFileNameLength = 255
	MaxHistoryLimit   = 200
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ValidateRoomName rejects names that are empty, too long, reserved for DMs or
// contain separators and control characters.
func ValidateRoomName(name string) error {
	switch {
	case strings.TrimSpace(name) != name || name == "":
		return invalid("room name must be non-empty without surrounding spaces")
	case utf8.RuneCountInString(name) > MaxRoomNameLength:
		return invalid("room name must be at most %d characters", MaxRoomNameLength)
	case strings.HasPrefix(name, DMPrefix):
		return invalid("room name must not start with %q", DMPrefix)
	}
	for _, r := range name {
		if r == '/' || unicode.IsControl(r) {
			return invalid("room name contains %q", r)
		}
	}
	return nil
}

// ValidateChannel accepts a room name or a DM channel key.
func ValidateChannel(channel string) error {
	if IsDMKey(channel) {
		return nil
	}
	return ValidateRoomName(channel)
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return invalid("message must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return invalid("message must be at most %d characters", MaxBodyLength)
	}
	return nil
}

func validateFile(url, fileName string) error {
	if strings.TrimSpace(url) == "" {
		return invalid("file url is required")
	}
	if strings.TrimSpace(fileName) == "" || len(fileName) > MaxFileNameLength {
		return invalid("file name must be 1-%d bytes", MaxFileNameLength)
	}
	return nil
}

func validateRecipient(id string) error {
	if !ValidConnID(id) {
		return invalid("recipient id %q is not a connection id", id)
	}
	return nil
}

func (e *UserJoin) Validate() error {
	e.Username = strings.TrimSpace(e.Username)
	if !usernameRegex.MatchString(e.Username) {
		return invalid("username must be 3-20 characters of letters, digits, _ or -")
	}
	return nil
}

func (e *JoinRoom) Validate() error {
	e.Name = strings.TrimSpace(e.Name)
	return ValidateRoomName(e.Name)
}

func (e *LeaveRoom) Validate() error {
	e.Name = strings.TrimSpace(e.Name)
	return ValidateRoomName(e.Name)
}

func (e *SendMessage) Validate() error {
	if err := ValidateRoomName(e.Room); err != nil {
		return err
	}
	e.Body = strings.TrimSpace(e.Body)
	return validateBody(e.Body)
}

func (e *PrivateMessage) Validate() error {
	if err := validateRecipient(e.To); err != nil {
		return err
	}
	switch e.Message.Type {
	case "", KindText:
		e.Message.Type = KindText
		e.Message.Body = strings.TrimSpace(e.Message.Body)
		return validateBody(e.Message.Body)
	case KindFile:
		return validateFile(e.Message.URL, e.Message.FileName)
	default:
		return invalid("unknown message type %q", e.Message.Type)
	}
}

func (e *SendFile) Validate() error {
	if e.IsPrivate {
		if err := validateRecipient(e.ReceiverID); err != nil {
			return err
		}
	} else if err := ValidateRoomName(e.Room); err != nil {
		return err
	}
	return validateFile(e.URL, e.FileName)
}

func (e *Typing) Validate() error {
	return ValidateChannel(e.Room)
}

func (e *MessageReaction) Validate() error {
	if e.MessageID == "" {
		return invalid("messageId is required")
	}
	if e.Reaction == "" || len(e.Reaction) > MaxReactionLength {
		return invalid("reaction must be 1-%d bytes", MaxReactionLength)
	}
	return nil
}

func (e *ReadReceipt) Validate() error {
	if e.MessageID == "" {
		return invalid("messageId is required")
	}
	return nil
}

func (e *GetRecentMessages) Validate() error {
	if err := ValidateChannel(e.Room); err != nil {
		return err
	}
	if e.Limit <= 0 || e.Limit > MaxHistoryLimit {
		e.Limit = MaxHistoryLimit
	}
	return nil
}
