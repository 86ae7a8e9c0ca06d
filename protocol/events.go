package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event types (client -> server)
const (
	EventUserJoin          = "user_join"
	EventJoinRoom          = "join_room"
	EventLeaveRoom         = "leave_room"
	EventSendMessage       = "send_message"
	EventPrivateMessage    = "private_message"
	EventSendFile          = "send_file"
	EventTyping            = "typing"
	EventMessageReaction   = "message_reaction"
	EventReadReceipt       = "read_receipt"
	EventGetRecentMessages = "get_recent_messages"
)

// Outbound event types (server -> client). private_message, message_reaction and
// read_receipt share their names with the inbound intents.
const (
	EventConnected        = "connected"
	EventUserList         = "user_list"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventRoomList         = "room_list"
	EventJoinedRoom       = "joined_room"
	EventLeftRoom         = "left_room"
	EventRoomUserList     = "room_user_list"
	EventSystemMessage    = "system_message"
	EventReceiveMessage   = "receive_message"
	EventReceiveFile      = "receive_file"
	EventTypingUsers      = "typing_users"
	EventMessageDelivered = "message_delivered"
	EventRecentMessages   = "recent_messages"
	EventError            = "error"
)

// Error codes carried by ErrorEvent
const (
	CodeInvalidInput       = "invalid_input"
	CodeNotRegistered      = "not_registered"
	CodeNotJoined          = "not_joined"
	CodeUnknownRecipient   = "unknown_recipient"
	CodeNotFound           = "not_found"
	CodePersistenceFailure = "persistence_failure"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is any typed payload that can be framed in an Envelope.
type Event interface {
	EventType() string
}

// Inbound is the closed set of client intents.
type Inbound interface {
	Event
	Validate() error
	inbound()
}

// Outbound is the closed set of server notifications.
type Outbound interface {
	Event
	outbound()
}

// Encode frames ev as a JSON envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}

// DecodeInbound parses and validates a client frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrInvalidInput, err)
	}
	var ev Inbound
	switch env.Type {
	case EventUserJoin:
		ev = &UserJoin{}
	case EventJoinRoom:
		ev = &JoinRoom{}
	case EventLeaveRoom:
		ev = &LeaveRoom{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventPrivateMessage:
		ev = &PrivateMessage{}
	case EventSendFile:
		ev = &SendFile{}
	case EventTyping:
		ev = &Typing{}
	case EventMessageReaction:
		ev = &MessageReaction{}
	case EventReadReceipt:
		ev = &ReadReceipt{}
	case EventGetRecentMessages:
		ev = &GetRecentMessages{}
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidInput, ErrUnknownEvent, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, env.Type, err)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeOutbound parses a server frame.
func DecodeOutbound(frame []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	var ev Outbound
	switch env.Type {
	case EventConnected:
		ev = &Connected{}
	case EventUserList:
		ev = &UserList{}
	case EventUserOnline:
		ev = &UserOnline{}
	case EventUserOffline:
		ev = &UserOffline{}
	case EventRoomList:
		ev = &RoomList{}
	case EventJoinedRoom:
		ev = &JoinedRoom{}
	case EventLeftRoom:
		ev = &LeftRoom{}
	case EventRoomUserList:
		ev = &RoomUserList{}
	case EventSystemMessage:
		ev = &SystemMessage{}
	case EventReceiveMessage:
		ev = &MessageReceived{}
	case EventPrivateMessage:
		ev = &PrivateMessageReceived{}
	case EventReceiveFile:
		ev = &FileReceived{}
	case EventTypingUsers:
		ev = &TypingUsers{}
	case EventMessageReaction:
		ev = &ReactionUpdated{}
	case EventReadReceipt:
		ev = &ReadReceiptUpdated{}
	case EventMessageDelivered:
		ev = &MessageDelivered{}
	case EventRecentMessages:
		ev = &RecentMessages{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%s payload: %w", env.Type, err)
		}
	}
	return ev, nil
}

// ---- inbound ----

type UserJoin struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type JoinRoom struct {
	Name string `json:"name"`
}

type LeaveRoom struct {
	Name string `json:"name"`
}

type SendMessage struct {
	Body   string `json:"body"`
	Room   string `json:"room"`
	TempID string `json:"tempId,omitempty"`
}

// PrivateContent is the payload of a DM. Type is KindText or KindFile.
type PrivateContent struct {
	Body     string `json:"body,omitempty"`
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type PrivateMessage struct {
	To      string         `json:"to"`
	TempID  string         `json:"tempId,omitempty"`
	Message PrivateContent `json:"message"`
}

type SendFile struct {
	Room       string `json:"room,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	IsPrivate  bool   `json:"isPrivate"`
	URL        string `json:"url"`
	FileName   string `json:"fileName"`
	TempID     string `json:"tempId,omitempty"`
}

// Typing targets a room name or a DM channel key.
type Typing struct {
	IsTyping bool   `json:"isTyping"`
	Room     string `json:"room"`
}

type MessageReaction struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
}

type GetRecentMessages struct {
	Room  string `json:"room"`
	Limit int    `json:"limit,omitempty"`
}

func (*UserJoin) EventType() string          { return EventUserJoin }
func (*JoinRoom) EventType() string          { return EventJoinRoom }
func (*LeaveRoom) EventType() string         { return EventLeaveRoom }
func (*SendMessage) EventType() string       { return EventSendMessage }
func (*PrivateMessage) EventType() string    { return EventPrivateMessage }
func (*SendFile) EventType() string          { return EventSendFile }
func (*Typing) EventType() string            { return EventTyping }
func (*MessageReaction) EventType() string   { return EventMessageReaction }
func (*ReadReceipt) EventType() string       { return EventReadReceipt }
func (*GetRecentMessages) EventType() string { return EventGetRecentMessages }

func (*UserJoin) inbound()          {}
func (*JoinRoom) inbound()          {}
func (*LeaveRoom) inbound()         {}
func (*SendMessage) inbound()       {}
func (*PrivateMessage) inbound()    {}
func (*SendFile) inbound()          {}
func (*Typing) inbound()            {}
func (*MessageReaction) inbound()   {}
func (*ReadReceipt) inbound()       {}
func (*GetRecentMessages) inbound() {}

// ---- outbound ----

type Connected struct {
	ID string `json:"id"`
}

type UserList struct {
	Users []UserProfile `json:"users"`
}

type UserOnline struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type UserOffline struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type RoomList struct {
	Rooms []string `json:"rooms"`
}

type JoinedRoom struct {
	Room string `json:"room"`
}

type LeftRoom struct {
	Room string `json:"room"`
}

type RoomUserList struct {
	Room  string        `json:"room"`
	Users []UserProfile `json:"users"`
}

type SystemMessage struct {
	Room      string    `json:"room"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagePayload is a message plus the sender's optimistic id, echoed to the sender only.
type MessagePayload struct {
	Message
	TempID string `json:"tempId,omitempty"`
}

type MessageReceived struct{ MessagePayload }

type PrivateMessageReceived struct{ MessagePayload }

type FileReceived struct{ MessagePayload }

type TypingUsers struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

type ReactionUpdated struct {
	MessageID  string              `json:"messageId"`
	ChannelKey string              `json:"channelKey"`
	Reaction   string              `json:"reaction"`
	User       string              `json:"user"`
	Reactions  map[string][]string `json:"reactions"`
}

type ReadReceiptUpdated struct {
	MessageID  string   `json:"messageId"`
	ChannelKey string   `json:"channelKey"`
	User       string   `json:"user"`
	ReadBy     []string `json:"readBy"`
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
	TempID    string `json:"tempId,omitempty"`
}

type RecentMessages struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TempID    string `json:"tempId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

func (*Connected) EventType() string              { return EventConnected }
func (*UserList) EventType() string               { return EventUserList }
func (*UserOnline) EventType() string             { return EventUserOnline }
func (*UserOffline) EventType() string            { return EventUserOffline }
func (*RoomList) EventType() string               { return EventRoomList }
func (*JoinedRoom) EventType() string             { return EventJoinedRoom }
func (*LeftRoom) EventType() string               { return EventLeftRoom }
func (*RoomUserList) EventType() string           { return EventRoomUserList }
func (*SystemMessage) EventType() string          { return EventSystemMessage }
func (*MessageReceived) EventType() string        { return EventReceiveMessage }
func (*PrivateMessageReceived) EventType() string { return EventPrivateMessage }
func (*FileReceived) EventType() string           { return EventReceiveFile }
func (*TypingUsers) EventType() string            { return EventTypingUsers }
func (*ReactionUpdated) EventType() string        { return EventMessageReaction }
func (*ReadReceiptUpdated) EventType() string     { return EventReadReceipt }
func (*MessageDelivered) EventType() string       { return EventMessageDelivered }
func (*RecentMessages) EventType() string         { return EventRecentMessages }
func (*ErrorEvent) EventType() string             { return EventError }

func (*Connected) outbound()              {}
func (*UserList) outbound()               {}
func (*UserOnline) outbound()             {}
func (*UserOffline) outbound()            {}
func (*RoomList) outbound()               {}
func (*JoinedRoom) outbound()             {}
func (*LeftRoom) outbound()               {}
func (*RoomUserList) outbound()           {}
func (*SystemMessage) outbound()          {}
func (*MessageReceived) outbound()        {}
func (*PrivateMessageReceived) outbound() {}
func (*FileReceived) outbound()           {}
func (*TypingUsers) outbound()            {}
func (*ReactionUpdated) outbound()        {}
func (*ReadReceiptUpdated) outbound()     {}
func (*MessageDelivered) outbound()       {}
func (*RecentMessages) outbound()         {}
func (*ErrorEvent) outbound()             {}
