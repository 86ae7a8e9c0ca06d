package protocol

import "time"

// Message kinds
const (
	KindText = "text"
	KindFile = "file"
)

// Attachment points at a file previously stored by the upload endpoint.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// Message is a persisted chat message as it is stored and sent on the wire.
// ReadBy and Reactions only ever grow.
type Message struct {
	ID           string              `json:"id"`
	ChannelKey   string              `json:"channelKey"`
	DMKey        string              `json:"dmKey,omitempty"`
	IsPrivate    bool                `json:"isPrivate"`
	Kind         string              `json:"type"`
	SenderID     string              `json:"senderId"`
	SenderName   string              `json:"sender"`
	SenderAvatar string              `json:"senderAvatar,omitempty"`
	ReceiverID   string              `json:"receiverId,omitempty"`
	Body         *string             `json:"message"`
	Attachment   *Attachment         `json:"attachment,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Delivered    bool                `json:"delivered"`
	DeliveredAt  *time.Time          `json:"deliveredAt,omitempty"`
	ReadBy       []string            `json:"readBy"`
	Reactions    map[string][]string `json:"reactions"`
}

// Text returns the body or an empty string for file messages.
func (m *Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// FileName returns the attachment file name or an empty string.
func (m *Message) FileName() string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.FileName
}

// AddReader records user in ReadBy. It reports whether the set changed.
func (m *Message) AddReader(user string) bool {
	var added bool
	m.ReadBy, added = addToSet(m.ReadBy, user)
	return added
}

// AddReaction records user under symbol. It reports whether the set changed.
func (m *Message) AddReaction(symbol, user string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	set, added := addToSet(m.Reactions[symbol], user)
	m.Reactions[symbol] = set
	return added
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Body != nil {
		b := *m.Body
		m.Body = &b
	}
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		m.DeliveredAt = &t
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = append([]string(nil), v...)
		}
		m.Reactions = r
	}
	return m
}

func addToSet(set []string, v string) ([]string, bool) {
	for _, s := range set {
		if s == v {
			return set, false
		}
	}
	return append(set, v), true
}

// Room is a named broadcast channel.
type Room struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	IsDefault bool      `json:"isDefault,omitempty"`
}

// UserProfile describes one live connection.
type UserProfile struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Avatar      string   `json:"avatar,omitempty"`
	JoinedRooms []string `json:"rooms"`
	Online      bool     `json:"online"`
}
