package room

import (
	"context"
	"fmt"
	"sync"

	"groupchat/protocol"
)

// Store persists rooms. EnsureRoom must not create duplicates for concurrent
// calls with the same name.
type Store interface {
	EnsureRoom(ctx context.Context, name string, isDefault bool) (protocol.Room, bool, error)
	ListRooms(ctx context.Context) ([]protocol.Room, error)
}

// Manager is the room directory: a cache in front of the persisted room set.
type Manager struct {
	store Store
	rooms map[string]protocol.Room
	mu    sync.RWMutex
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		rooms: make(map[string]protocol.Room),
	}
}

// Ensure returns the room, creating it when it does not exist yet.
func (m *Manager) Ensure(ctx context.Context, name string) (protocol.Room, bool, error) {
	return m.ensure(ctx, name, false)
}

func (m *Manager) ensure(ctx context.Context, name string, isDefault bool) (protocol.Room, bool, error) {
	if err := protocol.ValidateRoomName(name); err != nil {
		return protocol.Room{}, false, err
	}

	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return room, false, nil
	}

	room, created, err := m.store.EnsureRoom(ctx, name, isDefault)
	if err != nil {
		return protocol.Room{}, false, fmt.Errorf("ensure room %q: %w", name, err)
	}
	m.mu.Lock()
	m.rooms[name] = room
	m.mu.Unlock()
	return room, created, nil
}

// Seed makes sure every default room exists.
func (m *Manager) Seed(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, _, err := m.ensure(ctx, name, true); err != nil {
			return err
		}
	}
	return nil
}

// Load fills the cache from the store.
func (m *Manager) Load(ctx context.Context) error {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rooms {
		m.rooms[r.Name] = r
	}
	return nil
}

// Exists reports whether name is a known room without touching the store.
func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[name]
	return ok
}

// List returns persisted room names in creation order.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	return names, nil
}
