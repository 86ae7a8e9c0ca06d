package registry

import (
	"sync"

	"groupchat/protocol"
)

// Registry maps live connection ids to user profiles and keeps the reverse
// room -> connection index. It is the only owner of profile state.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	profiles map[string]*profile
	rooms    map[string]*orderedSet
}

type profile struct {
	id       string
	username string
	avatar   string
	rooms    orderedSet
}

func (p *profile) snapshot() protocol.UserProfile {
	return protocol.UserProfile{
		ID:          p.id,
		Username:    p.username,
		Avatar:      p.avatar,
		JoinedRooms: p.rooms.list(),
		Online:      true,
	}
}

func New() *Registry {
	return &Registry{
		profiles: make(map[string]*profile),
		rooms:    make(map[string]*orderedSet),
	}
}

// Register sets the profile for connID, replacing any previous profile for the
// same id. Joined rooms of the replaced profile are dropped.
func (r *Registry) Register(connID, username, avatar string) protocol.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.profiles[connID]; ok {
		for _, room := range old.rooms.list() {
			r.unindex(room, connID)
		}
	} else {
		r.order = append(r.order, connID)
	}
	p := &profile{id: connID, username: username, avatar: avatar}
	r.profiles[connID] = p
	return p.snapshot()
}

func (r *Registry) Lookup(connID string) (protocol.UserProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[connID]
	if !ok {
		return protocol.UserProfile{}, false
	}
	return p.snapshot(), true
}

// Remove drops connID and returns the removed profile.
func (r *Registry) Remove(connID string) (protocol.UserProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[connID]
	if !ok {
		return protocol.UserProfile{}, false
	}
	for _, room := range p.rooms.list() {
		r.unindex(room, connID)
	}
	delete(r.profiles, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	out := p.snapshot()
	out.Online = false
	return out, true
}

// ListOnline returns every profile in registration order.
func (r *Registry) ListOnline() []protocol.UserProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.UserProfile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id].snapshot())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Join subscribes connID to room. It returns false when connID is unknown or
// already a member.
func (r *Registry) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[connID]
	if !ok || !p.rooms.add(room) {
		return false
	}
	set, ok := r.rooms[room]
	if !ok {
		set = &orderedSet{}
		r.rooms[room] = set
	}
	set.add(connID)
	return true
}

// Leave unsubscribes connID from room. It returns false when it was not a member.
func (r *Registry) Leave(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[connID]
	if !ok || !p.rooms.remove(room) {
		return false
	}
	r.unindex(room, connID)
	return true
}

func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.rooms[room]
	return ok && set.has(connID)
}

// Members returns the connection ids subscribed to room in join order.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return set.list()
}

// MemberProfiles returns the profiles subscribed to room in join order.
func (r *Registry) MemberProfiles(room string) []protocol.UserProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.rooms[room]
	if !ok {
		return []protocol.UserProfile{}
	}
	out := make([]protocol.UserProfile, 0, len(set.items))
	for _, id := range set.items {
		out = append(out, r.profiles[id].snapshot())
	}
	return out
}

// caller holds r.mu
func (r *Registry) unindex(room, connID string) {
	set, ok := r.rooms[room]
	if !ok {
		return
	}
	set.remove(connID)
	if len(set.items) == 0 {
		delete(r.rooms, room)
	}
}

type orderedSet struct {
	items []string
	index map[string]struct{}
}

func (s *orderedSet) add(v string) bool {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *orderedSet) remove(v string) bool {
	if _, ok := s.index[v]; !ok {
		return false
	}
	delete(s.index, v)
	for i, it := range s.items {
		if it == v {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

func (s *orderedSet) has(v string) bool {
	_, ok := s.index[v]
	return ok
}

func (s *orderedSet) list() []string {
	return append([]string{}, s.items...)
}
