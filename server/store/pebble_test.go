package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/protocol"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(channel, body string) protocol.Message {
	return protocol.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ChannelKey: channel,
		Kind:       protocol.KindText,
		SenderID:   "c1",
		SenderName: "alice",
		Body:       &body,
		Timestamp:  time.Now().UTC(),
	}
}

func TestEnsureRoomIsIdempotentUnderConcurrency(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.EnsureRoom(ctx, "General", false)
			assert.NoError(t, err)
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "General", rooms[0].Name)
}

func TestListRoomsOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, _, err := s.EnsureRoom(ctx, n, false)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestMessageLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	m := textMessage("General", "hi")
	require.NoError(t, s.CreateMessage(ctx, m))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text())
	assert.False(t, got.Delivered)

	at := time.Now().UTC()
	require.NoError(t, s.MarkDelivered(ctx, m.ID, at))
	got, err = s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.DeliveredAt)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkDelivered(ctx, "missing", at), ErrNotFound)
}

func TestAddReactionIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	m := textMessage("General", "hi")
	require.NoError(t, s.CreateMessage(ctx, m))

	got, changed, err := s.AddReaction(ctx, m.ID, "+1", "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"bob"}, got.Reactions["+1"])

	got, changed, err = s.AddReaction(ctx, m.ID, "+1", "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, got.Reactions["+1"], 1)

	_, _, err = s.AddReaction(ctx, "missing", "+1", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReactionsAreNotLost(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	m := textMessage("General", "hi")
	require.NoError(t, s.CreateMessage(ctx, m))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.AddReaction(ctx, m.ID, "+1", fmt.Sprintf("user%d", i))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.AddReader(ctx, m.ID, fmt.Sprintf("user%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions["+1"], n)
	assert.Len(t, got.ReadBy, n)
}

func TestListChannel(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m := textMessage("General", fmt.Sprintf("m%d", i))
		ids = append(ids, m.ID)
		require.NoError(t, s.CreateMessage(ctx, m))
	}
	require.NoError(t, s.CreateMessage(ctx, textMessage("General2", "other")))
	require.NoError(t, s.CreateMessage(ctx, textMessage("Gen", "other")))

	all, err := s.ListChannel(ctx, "General", 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, ids[i], m.ID)
	}

	last, err := s.ListChannel(ctx, "General", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, ids[3], last[0].ID)
	assert.Equal(t, ids[4], last[1].ID)

	none, err := s.ListChannel(ctx, "empty", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReopenKeepsData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()
	_, _, err = s.EnsureRoom(ctx, "General", true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.True(t, rooms[0].IsDefault)
}

func TestCanceledContext(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.CreateMessage(ctx, textMessage("General", "x")), context.Canceled)
}
