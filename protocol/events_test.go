package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, typ string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Envelope{Type: typ, Data: raw})
	require.NoError(t, err)
	return b
}

func TestDecodeInbound(t *testing.T) {
	ev, err := DecodeInbound(frame(t, EventSendMessage, map[string]any{"body": "  hi  ", "room": "General", "tempId": "t1"}))
	require.NoError(t, err)
	msg, ok := ev.(*SendMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "General", msg.Room)
	assert.Equal(t, "t1", msg.TempID)
}

func TestDecodeInboundRejects(t *testing.T) {
	cases := map[string][]byte{
		"malformed":      []byte("{not json"),
		"unknown type":   frame(t, "explode", map[string]any{}),
		"empty body":     frame(t, EventSendMessage, map[string]any{"body": "   ", "room": "General"}),
		"dm as room":     frame(t, EventJoinRoom, map[string]any{"name": "dm_a::b"}),
		"short username": frame(t, EventUserJoin, map[string]any{"username": "ab"}),
		"bad recipient":  frame(t, EventPrivateMessage, map[string]any{"to": "a::b", "message": map[string]any{"body": "x"}}),
		"file no url":    frame(t, EventSendFile, map[string]any{"room": "General", "fileName": "a.png"}),
		"no message id":  frame(t, EventMessageReaction, map[string]any{"reaction": "+1"}),
		"wrong shape":    frame(t, EventTyping, map[string]any{"isTyping": "yes", "room": "General"}),
	}
	for name, b := range cases {
		_, err := DecodeInbound(b)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
}

func TestDecodeInboundDefaults(t *testing.T) {
	ev, err := DecodeInbound(frame(t, EventPrivateMessage, map[string]any{"to": "abc", "message": map[string]any{"body": "yo"}}))
	require.NoError(t, err)
	assert.Equal(t, KindText, ev.(*PrivateMessage).Message.Type)

	ev, err = DecodeInbound(frame(t, EventGetRecentMessages, map[string]any{"room": "General", "limit": 5000}))
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, ev.(*GetRecentMessages).Limit)
}

func TestOutboundRoundTrip(t *testing.T) {
	body := "hello"
	sent := &MessageReceived{MessagePayload{
		Message: Message{
			ID:         "m1",
			ChannelKey: "General",
			Kind:       KindText,
			SenderID:   "c1",
			SenderName: "alice",
			Body:       &body,
			Timestamp:  time.Unix(100, 0).UTC(),
		},
		TempID: "t1",
	}}
	b, err := Encode(sent)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, EventReceiveMessage, env.Type)
	assert.Contains(t, string(env.Data), `"tempId":"t1"`)
	assert.Contains(t, string(env.Data), `"message":"hello"`)

	got, err := DecodeOutbound(b)
	require.NoError(t, err)
	rcv, ok := got.(*MessageReceived)
	require.True(t, ok)
	assert.Equal(t, "m1", rcv.ID)
	assert.Equal(t, "hello", rcv.Text())
	assert.Equal(t, "t1", rcv.TempID)
}

func TestMessageSetsOnlyGrow(t *testing.T) {
	var m Message
	assert.True(t, m.AddReaction("+1", "alice"))
	assert.False(t, m.AddReaction("+1", "alice"))
	assert.True(t, m.AddReaction("+1", "bob"))
	assert.Len(t, m.Reactions["+1"], 2)

	assert.True(t, m.AddReader("bob"))
	assert.False(t, m.AddReader("bob"))
	assert.Equal(t, []string{"bob"}, m.ReadBy)

	c := m.Clone()
	c.AddReader("carol")
	c.AddReaction("+1", "carol")
	assert.Len(t, m.ReadBy, 1)
	assert.Len(t, m.Reactions["+1"], 2)
}
