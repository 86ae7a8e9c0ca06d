package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"groupchat/protocol"
	"groupchat/server/registry"
)

// Emitter queues outbound events to live connections.
type Emitter interface {
	Send(connID string, ev protocol.Outbound) bool
	SendMany(connIDs []string, ev protocol.Outbound) int
	SendAll(ev protocol.Outbound) int
}

// Broadcaster publishes online-user snapshots and per-channel typing sets.
// The server keeps no typing timers; clients declare start and stop.
type Broadcaster struct {
	registry *registry.Registry
	emit     Emitter
	log      *zap.Logger

	mu     sync.Mutex
	typing map[string]map[string]string // channel -> conn -> username
}

func New(reg *registry.Registry, emit Emitter, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		emit:     emit,
		log:      log,
		typing:   make(map[string]map[string]string),
	}
}

// Audience returns the connections that may see channel: room members, or the
// registered participants of a DM key.
func (b *Broadcaster) Audience(channel string) []string {
	x, y, ok := protocol.ParticipantsOf(channel)
	if !ok {
		return b.registry.Members(channel)
	}
	var out []string
	for _, id := range []string{x, y} {
		if len(out) == 1 && out[0] == id {
			continue
		}
		if _, ok := b.registry.Lookup(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// UserOnline announces p and sends the full user list to everyone.
func (b *Broadcaster) UserOnline(p protocol.UserProfile) {
	b.emit.SendAll(&protocol.UserOnline{ID: p.ID, Username: p.Username, Avatar: p.Avatar})
	b.BroadcastUserList()
}

// UserOffline announces p's departure and sends the full user list to everyone.
func (b *Broadcaster) UserOffline(p protocol.UserProfile) {
	b.emit.SendAll(&protocol.UserOffline{ID: p.ID, Username: p.Username})
	b.BroadcastUserList()
}

func (b *Broadcaster) BroadcastUserList() {
	b.emit.SendAll(&protocol.UserList{Users: b.registry.ListOnline()})
}

// BroadcastRoomUsers sends the member list of room to its members.
func (b *Broadcaster) BroadcastRoomUsers(room string) {
	b.emit.SendMany(b.registry.Members(room), &protocol.RoomUserList{
		Room:  room,
		Users: b.registry.MemberProfiles(room),
	})
}

// SetTyping records or clears username as typing in channel and broadcasts the
// resulting set to the channel audience when it changed.
func (b *Broadcaster) SetTyping(connID, username, channel string, isTyping bool) bool {
	b.mu.Lock()
	set := b.typing[channel]
	changed := false
	if isTyping {
		if set == nil {
			set = make(map[string]string)
			b.typing[channel] = set
		}
		if set[connID] != username {
			set[connID] = username
			changed = true
		}
	} else if _, ok := set[connID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(b.typing, channel)
		}
		changed = true
	}
	users := b.usersLocked(channel)
	b.mu.Unlock()

	if changed {
		b.emit.SendMany(b.Audience(channel), &protocol.TypingUsers{Room: channel, Users: users})
	}
	return changed
}

// ClearTyping removes connID from the typing set of channel only.
func (b *Broadcaster) ClearTyping(connID, channel string) {
	b.SetTyping(connID, "", channel, false)
}

// Purge removes connID from every typing set and re-broadcasts each affected
// channel. It returns the affected channels in sorted order.
func (b *Broadcaster) Purge(connID string) []string {
	b.mu.Lock()
	var channels []string
	for ch, set := range b.typing {
		if _, ok := set[connID]; !ok {
			continue
		}
		delete(set, connID)
		if len(set) == 0 {
			delete(b.typing, ch)
		}
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	snapshots := make([][]string, len(channels))
	for i, ch := range channels {
		snapshots[i] = b.usersLocked(ch)
	}
	b.mu.Unlock()

	for i, ch := range channels {
		b.emit.SendMany(b.Audience(ch), &protocol.TypingUsers{Room: ch, Users: snapshots[i]})
	}
	if len(channels) > 0 {
		b.log.Debug("typing purged", zap.String("conn", connID), zap.Strings("channels", channels))
	}
	return channels
}

// Typing returns the sorted usernames currently typing in channel.
func (b *Broadcaster) Typing(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usersLocked(channel)
}

func (b *Broadcaster) usersLocked(channel string) []string {
	seen := make(map[string]struct{})
	users := []string{}
	for _, name := range b.typing[channel] {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}
