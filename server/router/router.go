package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"groupchat/protocol"
	"groupchat/server/metrics"
	"groupchat/server/presence"
	"groupchat/server/registry"
)

// Store is the message persistence the router needs. Reaction and reader
// updates must be atomic add-to-set operations.
type Store interface {
	CreateMessage(ctx context.Context, m protocol.Message) error
	GetMessage(ctx context.Context, id string) (protocol.Message, error)
	AddReaction(ctx context.Context, id, symbol, user string) (protocol.Message, bool, error)
	AddReader(ctx context.Context, id, user string) (protocol.Message, bool, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	ListChannel(ctx context.Context, channel string, limit int) ([]protocol.Message, error)
}

// Rooms is the room directory.
type Rooms interface {
	Ensure(ctx context.Context, name string) (protocol.Room, bool, error)
	Exists(name string) bool
	List(ctx context.Context) ([]string, error)
}

type Options struct {
	// RequireMembership rejects room sends, typing and history from non-members.
	RequireMembership bool
	// FanoutOnPersistFailure delivers messages the store failed to save.
	FanoutOnPersistFailure bool
	HistoryLimit           int
	// AutoJoin rooms are joined on user_join.
	AutoJoin []string
}

type Deps struct {
	Store    Store
	Rooms    Rooms
	Registry *registry.Registry
	Presence *presence.Broadcaster
	Emitter  presence.Emitter
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

const channelStripes = 64

// Router turns inbound intents into persisted messages and fan-out.
type Router struct {
	opts     Options
	store    Store
	rooms    Rooms
	registry *registry.Registry
	presence *presence.Broadcaster
	emit     presence.Emitter
	metrics  *metrics.Metrics
	log      *zap.Logger

	now   func() time.Time
	newID func() string

	channels [channelStripes]sync.Mutex
}

func New(opts Options, d Deps) *Router {
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > protocol.MaxHistoryLimit {
		opts.HistoryLimit = protocol.MaxHistoryLimit
	}
	return &Router{
		opts:     opts,
		store:    d.Store,
		rooms:    d.Rooms,
		registry: d.Registry,
		presence: d.Presence,
		emit:     d.Emitter,
		metrics:  d.Metrics,
		log:      d.Log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// lockChannel serializes persist and fan-out within one channel.
func (r *Router) lockChannel(channel string) func() {
	h := fnv.New32a()
	h.Write([]byte(channel))
	mu := &r.channels[h.Sum32()%channelStripes]
	mu.Lock()
	return mu.Unlock
}

// Connect greets a new transport with its id, the room list and who is online.
func (r *Router) Connect(connID string) {
	r.emit.Send(connID, &protocol.Connected{ID: connID})
	rooms, err := r.rooms.List(context.Background())
	if err != nil {
		r.log.Error("list rooms", zap.Error(err))
	} else {
		r.emit.Send(connID, &protocol.RoomList{Rooms: rooms})
	}
	r.emit.Send(connID, &protocol.UserList{Users: r.registry.ListOnline()})
}

// Dispatch decodes one frame and handles it.
func (r *Router) Dispatch(ctx context.Context, connID string, frame []byte) {
	ev, err := protocol.DecodeInbound(frame)
	if err != nil {
		r.report(connID, err)
		return
	}
	r.Handle(ctx, connID, ev)
}

// Disconnect removes the connection and tells everyone who could see it.
func (r *Router) Disconnect(connID string) {
	p, ok := r.registry.Remove(connID)
	r.presence.Purge(connID)
	if !ok {
		return
	}
	r.metrics.Users.Dec()
	for _, room := range p.JoinedRooms {
		r.systemMessage(room, p.Username+" left the room")
		r.presence.BroadcastRoomUsers(room)
	}
	r.presence.UserOffline(p)
	r.log.Info("user offline", zap.String("conn", connID), zap.String("username", p.Username))
}

// Handle runs one validated intent. Failures are reported to the sender as an
// error event and returned.
func (r *Router) Handle(ctx context.Context, connID string, ev protocol.Inbound) (err error) {
	r.metrics.Events.WithLabelValues(ev.EventType()).Inc()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				zap.String("conn", connID),
				zap.String("type", ev.EventType()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", ev.EventType(), rec)
		}
		if err != nil {
			r.report(connID, annotate(err, ev))
		}
	}()

	switch ev := ev.(type) {
	case *protocol.UserJoin:
		return r.Join(ctx, connID, ev.Username, ev.Avatar)
	case *protocol.JoinRoom:
		return r.JoinRoom(ctx, connID, ev.Name)
	case *protocol.LeaveRoom:
		return r.LeaveRoom(ctx, connID, ev.Name)
	case *protocol.SendMessage:
		return r.SendRoomMessage(ctx, connID, ev.Room, ev.Body, ev.TempID)
	case *protocol.PrivateMessage:
		return r.SendDirectMessage(ctx, connID, ev.To, ev.Message, ev.TempID)
	case *protocol.SendFile:
		return r.SendFile(ctx, connID, ev)
	case *protocol.Typing:
		return r.SetTyping(connID, ev.Room, ev.IsTyping)
	case *protocol.MessageReaction:
		return r.React(ctx, connID, ev.MessageID, ev.Reaction)
	case *protocol.ReadReceipt:
		return r.MarkRead(ctx, connID, ev.MessageID)
	case *protocol.GetRecentMessages:
		return r.RecentMessages(ctx, connID, ev.Room, ev.Limit)
	default:
		return fmt.Errorf("%w: %w %q", protocol.ErrInvalidInput, protocol.ErrUnknownEvent, ev.EventType())
	}
}

// annotate attaches the request's tempId to err unless it already carries one.
func annotate(err error, ev protocol.Inbound) error {
	var tempID string
	switch ev := ev.(type) {
	case *protocol.SendMessage:
		tempID = ev.TempID
	case *protocol.PrivateMessage:
		tempID = ev.TempID
	case *protocol.SendFile:
		tempID = ev.TempID
	}
	var e *Error
	if errors.As(err, &e) {
		if e.TempID == "" {
			e.TempID = tempID
		}
		return e
	}
	if tempID == "" {
		return err
	}
	return &Error{Err: err, TempID: tempID}
}

func (r *Router) report(connID string, err error) {
	code := codeOf(err)
	r.metrics.Rejected.WithLabelValues(code).Inc()
	out := &protocol.ErrorEvent{Code: code, Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		out.TempID = e.TempID
		out.MessageID = e.MessageID
	}
	if code == protocol.CodeInternal {
		r.log.Error("event failed", zap.String("conn", connID), zap.Error(err))
		out.Message = "internal error"
	} else {
		r.log.Debug("event rejected", zap.String("conn", connID), zap.String("code", code), zap.Error(err))
	}
	r.emit.Send(connID, out)
}

func (r *Router) profile(connID string) (protocol.UserProfile, error) {
	p, ok := r.registry.Lookup(connID)
	if !ok {
		return protocol.UserProfile{}, ErrNotRegistered
	}
	return p, nil
}

// canSee reports whether connID may read or act in channel.
func (r *Router) canSee(connID, channel string) bool {
	if protocol.IsDMKey(channel) {
		return protocol.HasParticipant(channel, connID)
	}
	return !r.opts.RequireMembership || r.registry.IsMember(connID, channel)
}

func (r *Router) systemMessage(room, text string) {
	r.emit.SendMany(r.registry.Members(room), &protocol.SystemMessage{
		Room:      room,
		Message:   text,
		Timestamp: r.now(),
	})
}
