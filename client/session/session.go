package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/protocol"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrNoIdentity   = errors.New("connection id not assigned yet")
	ErrUnknownSend  = errors.New("unknown tempId")
	ErrSendRejected = errors.New("send rejected")
)

const (
	defaultPendingTimeout = 10 * time.Second
	defaultTypingIdle     = 850 * time.Millisecond
	defaultBaseDelay      = 100 * time.Millisecond
	defaultMaxDelay       = 5 * time.Second
	writeWait             = 5 * time.Second
)

// Notification kinds
const (
	NotifyMessage = "message"
	NotifyDM      = "dm"
	NotifyFile    = "file"
)

type Notification struct {
	Kind    string
	Channel string
	From    string
	Message protocol.Message
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	Username string
	Avatar   string

	Dialer         *websocket.Dialer
	PendingTimeout time.Duration
	TypingIdle     time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// HistoryCap bounds the confirmed messages kept in memory; zero keeps all.
	HistoryCap int

	// Notify is called for messages from others outside the focused active channel.
	Notify func(Notification)
	// OnChange is called with a snapshot after every applied server event.
	OnChange func(State)
	Log      *zap.Logger
}

// Session is one chat client: a websocket that reconnects, an outbox for
// intents sent while offline and the reducer state.
type Session struct {
	opts Options

	mu      sync.Mutex
	state   *State
	changed chan struct{}
	typing  map[string]*time.Timer

	connMu sync.Mutex
	conn   *websocket.Conn
	live   bool
	outbox [][]byte

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = defaultPendingTimeout
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = defaultTypingIdle
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Session{
		opts:    opts,
		state:   NewState(opts.Username),
		changed: make(chan struct{}),
		typing:  make(map[string]*time.Timer),
		closed:  make(chan struct{}),
	}
}

// Connect dials once and then keeps the session connected in the background
// until Close.
func (s *Session) Connect(ctx context.Context) error {
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.wg.Add(2)
	go s.run(conn)
	go s.expireLoop()
	return nil
}

func (s *Session) run(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		s.readLoop(conn)
		s.disconnected(conn)
		var ok bool
		if conn, ok = s.redial(); !ok {
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.opts.Log.Debug("read failed", zap.Error(err))
			}
			return
		}
		ev, err := protocol.DecodeOutbound(frame)
		if err != nil {
			s.opts.Log.Warn("bad frame", zap.Error(err))
			continue
		}
		s.apply(ev)
	}
}

func (s *Session) disconnected(conn *websocket.Conn) {
	conn.Close()
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.live = false
	}
	s.connMu.Unlock()
	s.update(func(st *State) { st.Connected = false })
}

// redial retries with exponential backoff until it connects or the session
// closes.
func (s *Session) redial() (*websocket.Conn, bool) {
	for attempt := 0; ; attempt++ {
		delay := s.opts.BaseDelay * time.Duration(math.Pow(2, float64(min(attempt, 16))))
		if delay > s.opts.MaxDelay {
			delay = s.opts.MaxDelay
		}
		select {
		case <-s.closed:
			return nil, false
		case <-time.After(delay):
		}
		conn, _, err := s.opts.Dialer.Dial(s.opts.URL, nil)
		if err != nil {
			s.opts.Log.Debug("reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		s.connMu.Lock()
		select {
		case <-s.closed:
			s.connMu.Unlock()
			conn.Close()
			return nil, false
		default:
		}
		s.conn = conn
		s.connMu.Unlock()
		s.opts.Log.Info("reconnected", zap.Int("attempt", attempt+1))
		return conn, true
	}
}

func (s *Session) expireLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PendingTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			expired := s.state.ExpirePending(now, s.opts.PendingTimeout)
			s.mu.Unlock()
			if len(expired) > 0 {
				s.opts.Log.Warn("sends timed out", zap.Strings("tempIds", expired))
				s.update(nil)
			}
		}
	}
}

// update applies fn to the state, wakes waiters and reports the change.
func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	if fn != nil {
		fn(s.state)
	}
	close(s.changed)
	s.changed = make(chan struct{})
	var snap State
	if s.opts.OnChange != nil {
		snap = s.state.Clone()
	}
	s.mu.Unlock()
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}

func (s *Session) apply(ev protocol.Outbound) {
	switch ev := ev.(type) {
	case *protocol.Connected:
		s.onConnected(ev.ID)
	case *protocol.UserList:
		s.update(func(st *State) { st.Users = ev.Users })
	case *protocol.RoomList:
		s.update(func(st *State) { st.Rooms = ev.Rooms })
	case *protocol.JoinedRoom:
		s.update(func(st *State) { st.Join(ev.Room) })
	case *protocol.LeftRoom:
		s.update(func(st *State) { st.Leave(ev.Room) })
	case *protocol.RoomUserList:
		s.update(func(st *State) { st.RoomUsers[ev.Room] = ev.Users })
	case *protocol.MessageReceived:
		s.incoming(ev.MessagePayload)
	case *protocol.PrivateMessageReceived:
		s.incoming(ev.MessagePayload)
	case *protocol.FileReceived:
		s.incoming(ev.MessagePayload)
	case *protocol.TypingUsers:
		s.update(func(st *State) { st.SetTyping(ev.Room, ev.Users) })
	case *protocol.ReactionUpdated:
		s.update(func(st *State) { st.ApplyReaction(ev.MessageID, ev.Reactions) })
	case *protocol.ReadReceiptUpdated:
		s.update(func(st *State) { st.ApplyReadReceipt(ev.MessageID, ev.ReadBy) })
	case *protocol.MessageDelivered:
		s.update(func(st *State) { st.MarkDelivered(ev.MessageID, ev.TempID) })
	case *protocol.RecentMessages:
		s.update(func(st *State) { st.MergeHistory(ev.Messages) })
	case *protocol.ErrorEvent:
		s.opts.Log.Debug("server error", zap.String("code", ev.Code), zap.String("message", ev.Message))
		if ev.TempID != "" && ev.Code != protocol.CodeUnknownRecipient {
			s.update(func(st *State) { st.MarkFailed(ev.TempID, ev.Code) })
		}
	}
}

// onConnected adopts the new connection id, then replays user_join, the
// joined rooms and the outbox in that order.
func (s *Session) onConnected(id string) {
	var rooms []string
	s.update(func(st *State) {
		st.SetSelf(id)
		st.Connected = true
		rooms = append(rooms, st.Joined...)
	})

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	replay := []protocol.Event{&protocol.UserJoin{Username: s.opts.Username, Avatar: s.opts.Avatar}}
	for _, r := range rooms {
		replay = append(replay, &protocol.JoinRoom{Name: r})
	}
	for _, ev := range replay {
		frame, err := protocol.Encode(ev)
		if err != nil {
			continue
		}
		if err := s.writeLocked(frame); err != nil {
			return
		}
	}
	s.live = true
	queued := s.outbox
	s.outbox = nil
	for i, frame := range queued {
		if err := s.writeLocked(frame); err != nil {
			s.live = false
			s.outbox = append(queued[i:], s.outbox...)
			return
		}
	}
}

func (s *Session) incoming(p protocol.MessagePayload) {
	var (
		out      Outcome
		notify   bool
		markRead bool
	)
	s.update(func(st *State) {
		out = st.ApplyIncoming(p.Message, p.TempID)
		if s.opts.HistoryCap > 0 {
			st.Trim(s.opts.HistoryCap)
		}
		if out != Appended || st.IsSelf(p.SenderID) {
			return
		}
		markRead = st.InView(p.ChannelKey)
		notify = !markRead
	})
	if notify && s.opts.Notify != nil {
		kind := NotifyMessage
		switch {
		case p.Kind == protocol.KindFile && !p.IsPrivate:
			kind = NotifyFile
		case p.IsPrivate:
			kind = NotifyDM
		}
		s.opts.Notify(Notification{Kind: kind, Channel: p.ChannelKey, From: p.SenderName, Message: p.Message})
	}
	if markRead {
		s.send(&protocol.ReadReceipt{MessageID: p.ID})
	}
}

// writeLocked writes one frame. connMu must be held.
func (s *Session) writeLocked(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.live = false
		s.conn.Close()
		return err
	}
	return nil
}

// send writes ev now when connected or queues it for the next connection.
func (s *Session) send(ev protocol.Event) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.live && s.conn != nil {
		if err := s.writeLocked(frame); err == nil {
			return nil
		}
	}
	s.outbox = append(s.outbox, frame)
	return nil
}

func (s *Session) JoinRoom(name string) error {
	ev := &protocol.JoinRoom{Name: name}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.send(ev)
}

func (s *Session) LeaveRoom(name string) error {
	ev := &protocol.LeaveRoom{Name: name}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.send(ev)
}

// SetActive switches the viewed channel and sends a read receipt for every
// message that was unread there.
func (s *Session) SetActive(channel string) {
	var ids []string
	s.update(func(st *State) { ids = st.SetActive(channel) })
	for _, id := range ids {
		s.send(&protocol.ReadReceipt{MessageID: id})
	}
}

// SetFocused tells the session whether the user is looking at it. Regaining
// focus sends read receipts for what arrived in the active channel meanwhile.
func (s *Session) SetFocused(focused bool) {
	var ids []string
	s.update(func(st *State) { ids = st.SetFocused(focused) })
	for _, id := range ids {
		s.send(&protocol.ReadReceipt{MessageID: id})
	}
}

func (s *Session) pending(e Entry) string {
	e.TempID = uuid.NewString()
	e.SentAt = time.Now().UTC()
	s.update(func(st *State) {
		e.SenderID = st.SelfID
		e.SenderName = st.Username
		st.AddPending(e)
	})
	return e.TempID
}

// SendMessage sends body to room optimistically and returns its tempId.
func (s *Session) SendMessage(room, body string) (string, error) {
	ev := &protocol.SendMessage{Room: room, Body: body}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	e := Entry{Message: protocol.Message{ChannelKey: ev.Room, Kind: protocol.KindText, Body: &ev.Body}}
	ev.TempID = s.pending(e)
	return ev.TempID, s.send(ev)
}

func (s *Session) dmKey(to string) (string, error) {
	s.mu.Lock()
	self := s.state.SelfID
	s.mu.Unlock()
	if self == "" {
		return "", ErrNoIdentity
	}
	return protocol.ChannelKey(self, to)
}

// SendPrivateMessage sends body to the connection to.
func (s *Session) SendPrivateMessage(to, body string) (string, error) {
	ev := &protocol.PrivateMessage{To: to, Message: protocol.PrivateContent{Type: protocol.KindText, Body: body}}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	key, err := s.dmKey(to)
	if err != nil {
		return "", err
	}
	e := Entry{Message: protocol.Message{
		ChannelKey: key,
		DMKey:      key,
		IsPrivate:  true,
		ReceiverID: to,
		Kind:       protocol.KindText,
		Body:       &ev.Message.Body,
	}}
	ev.TempID = s.pending(e)
	return ev.TempID, s.send(ev)
}

// SendFile announces an uploaded file to a room, or to a connection when
// private is set.
func (s *Session) SendFile(target string, private bool, url, fileName string) (string, error) {
	ev := &protocol.SendFile{IsPrivate: private, URL: url, FileName: fileName}
	msg := protocol.Message{Kind: protocol.KindFile, Attachment: &protocol.Attachment{URL: url, FileName: fileName}}
	if private {
		ev.ReceiverID = target
		key, err := s.dmKey(target)
		if err != nil {
			return "", err
		}
		msg.ChannelKey, msg.DMKey, msg.IsPrivate, msg.ReceiverID = key, key, true, target
	} else {
		ev.Room = target
		msg.ChannelKey = target
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	ev.TempID = s.pending(Entry{Message: msg})
	return ev.TempID, s.send(ev)
}

func (s *Session) React(messageID, reaction string) error {
	ev := &protocol.MessageReaction{MessageID: messageID, Reaction: reaction}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.send(ev)
}

func (s *Session) MarkRead(messageID string) error {
	ev := &protocol.ReadReceipt{MessageID: messageID}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.send(ev)
}

// SetTyping declares typing in channel. A start re-arms an idle timer that
// sends the stop on its own.
func (s *Session) SetTyping(channel string, isTyping bool) error {
	ev := &protocol.Typing{Room: channel, IsTyping: isTyping}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	t, active := s.typing[channel]
	if isTyping {
		if active {
			t.Reset(s.opts.TypingIdle)
			s.mu.Unlock()
			return nil
		}
		s.typing[channel] = time.AfterFunc(s.opts.TypingIdle, func() { s.SetTyping(channel, false) })
	} else {
		if !active {
			s.mu.Unlock()
			return nil
		}
		t.Stop()
		delete(s.typing, channel)
	}
	s.mu.Unlock()
	return s.send(ev)
}

func (s *Session) RecentMessages(channel string, limit int) error {
	ev := &protocol.GetRecentMessages{Room: channel, Limit: limit}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.send(ev)
}

// WaitDelivered blocks until the send with tempID is acked or fails.
func (s *Session) WaitDelivered(ctx context.Context, tempID string) error {
	for {
		s.mu.Lock()
		e, ok := s.state.Lookup(tempID)
		changed := s.changed
		s.mu.Unlock()
		switch {
		case !ok:
			return ErrUnknownSend
		case e.Delivered:
			return nil
		case e.Status == StatusFailed:
			return fmt.Errorf("%w: %s", ErrSendRejected, e.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-changed:
		}
	}
}

// WaitJoined blocks until the server has acked joining room.
func (s *Session) WaitJoined(ctx context.Context, room string) error {
	for {
		s.mu.Lock()
		ok := slices.Contains(s.state.Joined, room)
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-changed:
		}
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Close stops reconnecting and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for ch, t := range s.typing {
			t.Stop()
			delete(s.typing, ch)
		}
		s.mu.Unlock()
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.conn.Close()
		}
		s.live = false
		s.connMu.Unlock()
	})
	s.wg.Wait()
	return nil
}
