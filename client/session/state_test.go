package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/protocol"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func text(id, channel, sender, body string, at time.Time) protocol.Message {
	return protocol.Message{
		ID:         id,
		ChannelKey: channel,
		Kind:       protocol.KindText,
		SenderID:   sender,
		SenderName: sender,
		Body:       &body,
		Timestamp:  at,
	}
}

func pendingText(channel, sender, body, tempID string, at time.Time) Entry {
	b := body
	return Entry{
		Message: protocol.Message{ChannelKey: channel, Kind: protocol.KindText, SenderID: sender, Body: &b},
		TempID:  tempID,
		SentAt:  at,
	}
}

func TestRedeliveredMessageIsDeduplicated(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	m := text("m1", "General", "bob", "hi", t0)

	assert.Equal(t, Appended, s.ApplyIncoming(m, ""))
	m.ReadBy = []string{"carol"}
	assert.Equal(t, Duplicate, s.ApplyIncoming(m, ""))
	require.Len(t, s.Messages, 1)
	assert.Equal(t, []string{"carol"}, s.Messages[0].ReadBy)
	assert.Equal(t, 1, s.UnreadCount("General"))
}

func TestOptimisticReconciliation(t *testing.T) {
	s := NewState("me")
	s.SetSelf("c1")
	s.AddPending(pendingText("General", "c1", "hello", "t1", t0))
	s.AddPending(pendingText("General", "c1", "hello", "t2", t0.Add(time.Second)))

	// matched by tempId
	echo := text("m1", "General", "c1", "hello", t0)
	assert.Equal(t, Reconciled, s.ReconcileIncoming(echo, "t1"))
	// matched by content when no tempId comes back
	echo2 := text("m2", "General", "c1", "hello", t0.Add(time.Second))
	assert.Equal(t, Reconciled, s.ReconcileIncoming(echo2, ""))

	require.Len(t, s.Messages, 2)
	for i, id := range []string{"m1", "m2"} {
		assert.Equal(t, id, s.Messages[i].ID)
		assert.Equal(t, StatusConfirmed, s.Messages[i].Status)
	}
	assert.Equal(t, "t2", s.Messages[1].TempID)
	assert.Equal(t, 0, s.UnreadCount("General"))

	assert.Equal(t, Duplicate, s.ReconcileIncoming(echo, "t1"))
	require.True(t, s.MarkDelivered("m1", "t1"))
	e, ok := s.Lookup("t1")
	require.True(t, ok)
	assert.True(t, e.Delivered)
}

func TestReconciliationAcrossReconnect(t *testing.T) {
	s := NewState("me")
	s.SetSelf("old")
	oldKey, _ := protocol.ChannelKey("old", "peer")
	s.AddPending(Entry{
		Message: protocol.Message{
			ChannelKey: oldKey, IsPrivate: true, ReceiverID: "peer",
			Kind: protocol.KindText, SenderID: "old", Body: ptr("yo"),
		},
		TempID: "t1",
		SentAt: t0,
	})
	s.SetSelf("new")
	assert.Equal(t, []string{"old"}, s.PrevIDs)

	newKey, _ := protocol.ChannelKey("new", "peer")
	echo := text("m1", newKey, "new", "yo", t0)
	echo.IsPrivate, echo.DMKey, echo.ReceiverID = true, newKey, "peer"
	assert.Equal(t, Reconciled, s.ReconcileIncoming(echo, ""))
	assert.Equal(t, newKey, s.Messages[0].ChannelKey)
}

func ptr(s string) *string { return &s }

func TestUnreadAndReadIntents(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	s.SetActive("General")

	for i, id := range []string{"a", "b", "c"} {
		s.ApplyIncoming(text(id, "Family", "mom", "msg", t0.Add(time.Duration(i)*time.Second)), "")
	}
	s.ApplyIncoming(text("d", "General", "bob", "here", t0), "")
	s.ApplyIncoming(text("e", "Family", "me", "mine", t0), "")

	assert.Equal(t, 3, s.UnreadCount("Family"))
	assert.Equal(t, 0, s.UnreadCount("General"))

	ids := s.SetActive("Family")
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 0, s.UnreadCount("Family"))
	assert.Empty(t, s.SetActive("Family"))
}

func TestInFlightSendKeepsItsChannel(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	s.SetActive("General")
	s.AddPending(pendingText("General", "me", "draft", "t1", t0))
	s.SetActive("Friends")

	s.ReconcileIncoming(text("m1", "General", "me", "draft", t0), "t1")
	g := s.Grouped()
	require.Len(t, g["General"], 1)
	assert.Empty(t, g["Friends"])
	assert.Equal(t, 0, s.UnreadCount("General"))
}

func TestFailuresAndExpiry(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	s.AddPending(pendingText("General", "me", "one", "t1", t0))
	s.AddPending(pendingText("General", "me", "two", "t2", t0.Add(8*time.Second)))

	assert.True(t, s.MarkFailed("t1", protocol.CodeNotJoined))
	assert.False(t, s.MarkFailed("nope", protocol.CodeNotJoined))
	assert.Empty(t, s.ExpirePending(t0.Add(5*time.Second), 10*time.Second))
	assert.Equal(t, []string{"t2"}, s.ExpirePending(t0.Add(19*time.Second), 10*time.Second))

	e, _ := s.Lookup("t1")
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, protocol.CodeNotJoined, e.Error)

	// a late echo still confirms
	s.ReconcileIncoming(text("m2", "General", "me", "two", t0), "t2")
	e, _ = s.Lookup("t2")
	assert.Equal(t, StatusConfirmed, e.Status)
}

func TestReactionsAndReceiptsMerge(t *testing.T) {
	s := NewState("me")
	s.ApplyIncoming(text("m1", "General", "bob", "hi", t0), "")

	assert.True(t, s.ApplyReaction("m1", map[string][]string{"👍": {"ann"}}))
	assert.True(t, s.ApplyReaction("m1", map[string][]string{"👍": {"bob", "ann"}, "🎉": {"cat"}}))
	assert.True(t, s.ApplyReadReceipt("m1", []string{"ann"}))
	assert.True(t, s.ApplyReadReceipt("m1", []string{"ann", "bob"}))
	assert.False(t, s.ApplyReaction("missing", map[string][]string{"👍": {"ann"}}))

	e, _ := s.Lookup("m1")
	assert.ElementsMatch(t, []string{"ann", "bob"}, e.Reactions["👍"])
	assert.Equal(t, []string{"cat"}, e.Reactions["🎉"])
	assert.Equal(t, []string{"ann", "bob"}, e.ReadBy)
}

func TestGroupedOrdering(t *testing.T) {
	s := NewState("me")
	s.MergeHistory([]protocol.Message{
		text("b", "General", "x", "2", t0.Add(time.Second)),
		text("c", "General", "x", "3", t0),
		text("a", "General", "x", "1", t0),
		text("z", "Family", "x", "f", t0),
	})
	g := s.Grouped()
	var ids []string
	for _, e := range g["General"] {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)
	assert.Len(t, g["Family"], 1)
	assert.Empty(t, s.Unread)
}

func TestCloneDoesNotAlias(t *testing.T) {
	s := NewState("me")
	s.ApplyIncoming(text("m1", "General", "bob", "hi", t0), "")
	s.Join("General")

	c := s.Clone()
	c.Messages[0].AddReader("eve")
	c.Joined[0] = "mutated"
	c.Unread["General"][0] = "mutated"

	assert.Empty(t, s.Messages[0].ReadBy)
	assert.Equal(t, []string{"General"}, s.Joined)
	assert.Equal(t, []string{"m1"}, s.Unread["General"])
}

func TestTrimKeepsPending(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	s.AddPending(pendingText("General", "me", "waiting", "t1", t0))
	s.AddPending(pendingText("General", "me", "echoed", "t2", t0))
	s.ReconcileIncoming(text("m2", "General", "me", "echoed", t0), "t2")
	for i, id := range []string{"a", "b", "c"} {
		s.ApplyIncoming(text(id, "General", "bob", "x", t0.Add(time.Duration(i)*time.Second)), "")
	}
	s.Trim(2)
	require.Len(t, s.Messages, 4)
	assert.Equal(t, "t1", s.Messages[0].TempID)
	assert.Equal(t, "m2", s.Messages[1].ID)
	assert.Equal(t, "b", s.Messages[2].ID)
	assert.Equal(t, "c", s.Messages[3].ID)

	s.MarkDelivered("m2", "t2")
	s.Trim(2)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "b", s.Messages[1].ID)
}

func TestTrimDropsOldestByTimestamp(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	recent := t0.Add(time.Hour)
	s.ApplyIncoming(text("live", "R", "bob", "now", recent), "")
	s.MergeHistory([]protocol.Message{
		text("old-1", "R", "bob", "then", t0),
		text("old-2", "R", "bob", "then", t0.Add(time.Minute)),
	})
	s.SetActive("R")

	s.Trim(2)
	var ids []string
	for _, e := range s.Messages {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"live", "old-2"}, ids)

	s.SetActive("elsewhere")
	assert.Equal(t, Duplicate, s.ApplyIncoming(text("live", "R", "bob", "now", recent), ""))
	assert.Equal(t, Duplicate, s.ApplyIncoming(text("old-1", "R", "bob", "then", t0), ""))
	assert.Zero(t, s.UnreadCount("R"))
	assert.Len(t, s.Messages, 2)

	assert.Equal(t, Appended, s.ApplyIncoming(text("new", "R", "bob", "next", recent.Add(time.Second)), ""))
	assert.Equal(t, 1, s.UnreadCount("R"))
}

func TestUnfocusedActiveChannelCatchesUp(t *testing.T) {
	s := NewState("me")
	s.SetSelf("me")
	s.SetActive("General")
	assert.Empty(t, s.SetFocused(false))

	s.ApplyIncoming(text("m1", "General", "bob", "hi", t0), "")
	assert.False(t, s.InView("General"))
	assert.Equal(t, 1, s.UnreadCount("General"))
	assert.Empty(t, s.SetActive("General"))

	assert.Equal(t, []string{"m1"}, s.SetFocused(true))
	assert.Zero(t, s.UnreadCount("General"))
	assert.True(t, s.InView("General"))
}

func TestReadAccessorsWorkOnCopies(t *testing.T) {
	s := NewState("me")
	s.ApplyIncoming(text("m1", "General", "bob", "hi", t0), "")

	_, ok := s.Clone().Lookup("m1")
	assert.True(t, ok)
	assert.Len(t, s.Clone().Grouped()["General"], 1)
	assert.Equal(t, 1, s.Clone().UnreadCount("General"))
}
