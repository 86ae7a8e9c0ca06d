package session

import (
	"slices"
	"sort"
	"time"

	"groupchat/protocol"
)

type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is a message as the client knows it. Optimistic entries have a TempID
// and no ID until the server echo arrives.
type Entry struct {
	protocol.Message
	TempID string
	Status Status
	SentAt time.Time
	// Error is the code of the error event that failed this entry.
	Error string
}

// Outcome says what ReconcileIncoming did with a message.
type Outcome int

const (
	Appended Outcome = iota
	Reconciled
	Duplicate
)

// State is the client-side view of the chat. Its methods do no I/O.
type State struct {
	SelfID string
	// PrevIDs are connection ids this session held before reconnecting.
	PrevIDs  []string
	Username string
	Active   string
	// Focused is false while the user is not looking; messages in the active
	// channel then count as unread.
	Focused bool

	Messages  []Entry
	Unread    map[string][]string
	Typing    map[string][]string
	Users     []protocol.UserProfile
	Rooms     []string
	Joined    []string
	RoomUsers map[string][]protocol.UserProfile
	Connected bool

	// trimmed marks the newest entry Trim dropped; older unknown live
	// messages are redeliveries of dropped entries.
	trimmed   bool
	trimmedAt time.Time
	trimmedID string
}

func NewState(username string) *State {
	return &State{
		Username:  username,
		Focused:   true,
		Unread:    make(map[string][]string),
		Typing:    make(map[string][]string),
		RoomUsers: make(map[string][]protocol.UserProfile),
	}
}

// IsSelf reports whether id is this session's current or a previous connection.
func (s *State) IsSelf(id string) bool {
	return id != "" && (id == s.SelfID || slices.Contains(s.PrevIDs, id))
}

// SetSelf records a new connection id, keeping the old one for matching echoes
// of messages sent before the reconnect.
func (s *State) SetSelf(id string) {
	if s.SelfID != "" && s.SelfID != id && !slices.Contains(s.PrevIDs, s.SelfID) {
		s.PrevIDs = append(s.PrevIDs, s.SelfID)
	}
	s.SelfID = id
}

// AddPending appends an optimistic entry. The channel it was started against
// is fixed in e.ChannelKey.
func (s *State) AddPending(e Entry) {
	e.Status = StatusPending
	if e.Timestamp.IsZero() {
		e.Timestamp = e.SentAt
	}
	s.Messages = append(s.Messages, e)
}

func (s *State) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// sameContent matches a server echo against an optimistic entry when the
// echo carries no tempId.
func (s *State) sameContent(e *Entry, m *protocol.Message) bool {
	if e.ID != "" || e.Status == StatusConfirmed {
		return false
	}
	if !s.IsSelf(e.SenderID) || !s.IsSelf(m.SenderID) || e.IsPrivate != m.IsPrivate {
		return false
	}
	if m.IsPrivate {
		if e.ReceiverID != m.ReceiverID {
			return false
		}
	} else if e.ChannelKey != m.ChannelKey {
		return false
	}
	return e.Text() == m.Text() && e.FileName() == m.FileName()
}

// ReconcileIncoming replaces the optimistic entry m answers, drops m when its
// id is already known and appends it otherwise.
func (s *State) ReconcileIncoming(m protocol.Message, tempID string) Outcome {
	if i := s.indexOf(m.ID); i >= 0 {
		s.merge(i, m)
		return Duplicate
	}
	i := s.indexOfTemp(tempID)
	if i >= 0 && s.Messages[i].ID != "" {
		i = -1
	}
	if i < 0 {
		for j := range s.Messages {
			if s.sameContent(&s.Messages[j], &m) {
				i = j
				break
			}
		}
	}
	if i >= 0 {
		e := &s.Messages[i]
		delivered := e.Delivered
		e.Message = m.Clone()
		e.Delivered = e.Delivered || delivered
		e.Status = StatusConfirmed
		e.Error = ""
		return Reconciled
	}
	s.Messages = append(s.Messages, Entry{Message: m.Clone(), TempID: tempID, Status: StatusConfirmed})
	return Appended
}

func (s *State) merge(i int, m protocol.Message) {
	e := &s.Messages[i]
	for _, u := range m.ReadBy {
		e.AddReader(u)
	}
	for sym, users := range m.Reactions {
		for _, u := range users {
			e.AddReaction(sym, u)
		}
	}
	if m.Delivered && !e.Delivered {
		e.Delivered = true
		e.DeliveredAt = m.DeliveredAt
	}
}

// ApplyIncoming reconciles m and counts it as unread when it is new, from
// someone else and not in view.
func (s *State) ApplyIncoming(m protocol.Message, tempID string) Outcome {
	if s.trimmed && s.indexOf(m.ID) < 0 && s.indexOfTemp(tempID) < 0 &&
		!later(m.Timestamp, m.ID, s.trimmedAt, s.trimmedID) {
		return Duplicate
	}
	out := s.ReconcileIncoming(m, tempID)
	if out == Appended && !s.InView(m.ChannelKey) && !s.IsSelf(m.SenderID) {
		s.Unread[m.ChannelKey] = append(s.Unread[m.ChannelKey], m.ID)
	}
	return out
}

// SetActive switches the viewed channel. When focused it returns the ids that
// were unread there; each one deserves a read receipt.
func (s *State) SetActive(channel string) []string {
	s.Active = channel
	if !s.Focused {
		return nil
	}
	ids := s.Unread[channel]
	delete(s.Unread, channel)
	return ids
}

// InView reports whether channel is active and the user is looking.
func (s State) InView(channel string) bool {
	return channel == s.Active && s.Focused
}

// SetFocused records focus. Gaining it returns the ids unread in the active
// channel.
func (s *State) SetFocused(focused bool) []string {
	s.Focused = focused
	if !focused {
		return nil
	}
	ids := s.Unread[s.Active]
	delete(s.Unread, s.Active)
	return ids
}

func (s State) UnreadCount(channel string) int {
	return len(s.Unread[channel])
}

// MarkDelivered applies a delivery ack by message id, falling back to tempID.
func (s *State) MarkDelivered(messageID, tempID string) bool {
	i := s.indexOf(messageID)
	if i < 0 {
		i = s.indexOfTemp(tempID)
	}
	if i < 0 {
		return false
	}
	e := &s.Messages[i]
	if e.ID == "" {
		e.ID = messageID
	}
	e.Delivered = true
	e.Status = StatusConfirmed
	e.Error = ""
	return true
}

// ApplyReaction unions reactions into the known message.
func (s *State) ApplyReaction(messageID string, reactions map[string][]string) bool {
	i := s.indexOf(messageID)
	if i < 0 {
		return false
	}
	s.merge(i, protocol.Message{Reactions: reactions})
	return true
}

// ApplyReadReceipt unions readBy into the known message.
func (s *State) ApplyReadReceipt(messageID string, readBy []string) bool {
	i := s.indexOf(messageID)
	if i < 0 {
		return false
	}
	s.merge(i, protocol.Message{ReadBy: readBy})
	return true
}

// MarkFailed fails the unconfirmed entry with tempID.
func (s *State) MarkFailed(tempID, code string) bool {
	i := s.indexOfTemp(tempID)
	if i < 0 || s.Messages[i].Status == StatusConfirmed {
		return false
	}
	s.Messages[i].Status = StatusFailed
	s.Messages[i].Error = code
	return true
}

// ExpirePending fails entries pending for longer than window and returns
// their tempIDs.
func (s *State) ExpirePending(now time.Time, window time.Duration) []string {
	var expired []string
	for i := range s.Messages {
		e := &s.Messages[i]
		if e.Status == StatusPending && now.Sub(e.SentAt) > window {
			e.Status = StatusFailed
			e.Error = "timeout"
			expired = append(expired, e.TempID)
		}
	}
	return expired
}

// Trim drops the oldest confirmed entries by timestamp beyond max. Pending
// and failed entries, and own sends still waiting for their ack, are kept.
func (s *State) Trim(max int) {
	var idx []int
	for i, e := range s.Messages {
		if e.Status == StatusConfirmed && (e.TempID == "" || e.Delivered) {
			idx = append(idx, i)
		}
	}
	extra := len(idx) - max
	if extra <= 0 {
		return
	}
	sort.Slice(idx, func(a, b int) bool { return before(s.Messages[idx[a]], s.Messages[idx[b]]) })
	drop := make(map[int]bool, extra)
	for _, i := range idx[:extra] {
		drop[i] = true
	}
	newest := s.Messages[idx[extra-1]]
	if !s.trimmed || later(newest.Timestamp, newest.ID, s.trimmedAt, s.trimmedID) {
		s.trimmed, s.trimmedAt, s.trimmedID = true, newest.Timestamp, newest.ID
	}

	kept := s.Messages[:0]
	for i, e := range s.Messages {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	clear(s.Messages[len(kept):])
	s.Messages = kept
}

func later(at time.Time, id string, than time.Time, thanID string) bool {
	if !at.Equal(than) {
		return at.After(than)
	}
	return id > thanID
}

func before(a, b Entry) bool {
	return later(b.Timestamp, b.ID, a.Timestamp, a.ID)
}

// MergeHistory folds fetched messages in without touching unread counters.
func (s *State) MergeHistory(msgs []protocol.Message) {
	for _, m := range msgs {
		s.ReconcileIncoming(m, "")
	}
}

// Lookup returns the entry for tempID or message id.
func (s State) Lookup(id string) (Entry, bool) {
	i := s.indexOfTemp(id)
	if i < 0 {
		i = s.indexOf(id)
	}
	if i < 0 {
		return Entry{}, false
	}
	return s.Messages[i], true
}

// Grouped partitions messages by channel, ordered by timestamp then id.
func (s State) Grouped() map[string][]Entry {
	out := make(map[string][]Entry)
	for _, e := range s.Messages {
		out[e.ChannelKey] = append(out[e.ChannelKey], e)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return before(list[i], list[j]) })
	}
	return out
}

func (s *State) Join(room string) {
	if !slices.Contains(s.Joined, room) {
		s.Joined = append(s.Joined, room)
	}
}

func (s *State) Leave(room string) {
	s.Joined = slices.DeleteFunc(s.Joined, func(r string) bool { return r == room })
	delete(s.Typing, room)
	delete(s.RoomUsers, room)
}

func (s *State) SetTyping(channel string, users []string) {
	if len(users) == 0 {
		delete(s.Typing, channel)
		return
	}
	s.Typing[channel] = append([]string(nil), users...)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *State) Clone() State {
	c := *s
	c.PrevIDs = slices.Clone(s.PrevIDs)
	c.Messages = make([]Entry, len(s.Messages))
	for i, e := range s.Messages {
		e.Message = e.Message.Clone()
		c.Messages[i] = e
	}
	c.Unread = make(map[string][]string, len(s.Unread))
	for k, v := range s.Unread {
		c.Unread[k] = slices.Clone(v)
	}
	c.Typing = make(map[string][]string, len(s.Typing))
	for k, v := range s.Typing {
		c.Typing[k] = slices.Clone(v)
	}
	c.Users = slices.Clone(s.Users)
	c.Rooms = slices.Clone(s.Rooms)
	c.Joined = slices.Clone(s.Joined)
	c.RoomUsers = make(map[string][]protocol.UserProfile, len(s.RoomUsers))
	for k, v := range s.RoomUsers {
		c.RoomUsers[k] = slices.Clone(v)
	}
	return c
}
