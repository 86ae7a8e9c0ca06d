package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"groupchat/protocol"
)

var ErrNotFound = errors.New("not found")

// Key layout:
//
//	room/<name>               -> protocol.Room
//	msg/<id>                  -> protocol.Message
//	chan/<channel>\x00<id>    -> empty, ids are time ordered
const (
	roomPrefix = "room/"
	msgPrefix  = "msg/"
	chanPrefix = "chan/"
	chanSep    = "\x00"
)

const lockStripes = 64

// Store is a document store for rooms and messages on top of Pebble.
// Read-modify-write operations hold a per-key stripe lock, so add-to-set
// updates are atomic with respect to each other.
type Store struct {
	db    *pebble.DB
	locks [lockStripes]sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Store) getJSON(key string, v any) error {
	b, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(b, v)
}

func (s *Store) setJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

// EnsureRoom returns the named room, creating it when absent. created reports
// whether this call created it.
func (s *Store) EnsureRoom(ctx context.Context, name string, isDefault bool) (protocol.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Room{}, false, err
	}
	key := roomPrefix + name
	unlock := s.lock(key)
	defer unlock()

	var room protocol.Room
	err := s.getJSON(key, &room)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return protocol.Room{}, false, fmt.Errorf("get room %q: %w", name, err)
	}
	room = protocol.Room{Name: name, CreatedAt: time.Now().UTC(), IsDefault: isDefault}
	if err := s.setJSON(key, room); err != nil {
		return protocol.Room{}, false, fmt.Errorf("put room %q: %w", name, err)
	}
	return room, true, nil
}

// ListRooms returns every room ordered by creation time, then name.
func (s *Store) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(prefixOptions(roomPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rooms []protocol.Room
	for iter.First(); iter.Valid(); iter.Next() {
		var r protocol.Room
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode room %q: %w", iter.Key(), err)
		}
		rooms = append(rooms, r)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

// CreateMessage writes m and its channel index entry in one batch.
func (s *Store) CreateMessage(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" || m.ChannelKey == "" {
		return errors.New("message id and channel are required")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(msgPrefix+m.ID), b, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(chanPrefix+m.ChannelKey+chanSep+m.ID), nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns ErrNotFound for unknown ids.
func (s *Store) GetMessage(ctx context.Context, id string) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	var m protocol.Message
	if err := s.getJSON(msgPrefix+id, &m); err != nil {
		return protocol.Message{}, err
	}
	return m, nil
}

// update applies fn to the stored message under its lock and writes the result
// back when fn reports a change.
func (s *Store) update(ctx context.Context, id string, fn func(*protocol.Message) bool) (protocol.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, false, err
	}
	key := msgPrefix + id
	unlock := s.lock(key)
	defer unlock()

	var m protocol.Message
	if err := s.getJSON(key, &m); err != nil {
		return protocol.Message{}, false, err
	}
	if !fn(&m) {
		return m, false, nil
	}
	if err := s.setJSON(key, m); err != nil {
		return protocol.Message{}, false, fmt.Errorf("update message %s: %w", id, err)
	}
	return m, true, nil
}

// AddReaction adds user to the reaction set for symbol.
func (s *Store) AddReaction(ctx context.Context, id, symbol, user string) (protocol.Message, bool, error) {
	return s.update(ctx, id, func(m *protocol.Message) bool {
		return m.AddReaction(symbol, user)
	})
}

// AddReader adds user to the read-by set.
func (s *Store) AddReader(ctx context.Context, id, user string) (protocol.Message, bool, error) {
	return s.update(ctx, id, func(m *protocol.Message) bool {
		return m.AddReader(user)
	})
}

// MarkDelivered sets the delivered flag once.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, _, err := s.update(ctx, id, func(m *protocol.Message) bool {
		if m.Delivered {
			return false
		}
		m.Delivered = true
		m.DeliveredAt = &at
		return true
	})
	return err
}

// ListChannel returns up to limit of the most recent messages in channel,
// oldest first.
func (s *Store) ListChannel(ctx context.Context, channel string, limit int) ([]protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	iter, err := s.db.NewIter(prefixOptions(chanPrefix + channel + chanSep))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefixLen := len(chanPrefix) + len(channel) + len(chanSep)
	ids := make([]string, 0, limit)
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		ids = append(ids, string(iter.Key()[prefixLen:]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		var m protocol.Message
		if err := s.getJSON(msgPrefix+ids[i], &m); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func prefixOptions(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	}
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
