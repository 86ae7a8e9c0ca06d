package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/protocol"
	"groupchat/server/store"
)

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s), s
}

func TestEnsureCreatesOnce(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	r, created, err := m.Ensure(ctx, "General")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "General", r.Name)

	_, created, err = m.Ensure(ctx, "General")
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, m.Exists("General"))
}

func TestEnsureConcurrent(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Ensure(ctx, "Busy")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestEnsureRejectsInvalidNames(t *testing.T) {
	m, _ := newManager(t)
	for _, name := range []string{"", " padded ", "dm_a::b", "a/b"} {
		_, _, err := m.Ensure(context.Background(), name)
		assert.ErrorIs(t, err, protocol.ErrInvalidInput, name)
	}
}

func TestSeedAndList(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Seed(ctx, []string{"global", "General"}))
	require.NoError(t, m.Seed(ctx, []string{"global", "General"}))

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"global", "General"}, names)

	fresh := NewManager(s)
	require.NoError(t, fresh.Load(ctx))
	assert.True(t, fresh.Exists("global"))
	assert.True(t, fresh.rooms["General"].IsDefault)
}

type failingStore struct{}

func (failingStore) EnsureRoom(context.Context, string, bool) (protocol.Room, bool, error) {
	return protocol.Room{}, false, errors.New("disk full")
}

func (failingStore) ListRooms(context.Context) ([]protocol.Room, error) {
	return nil, errors.New("disk full")
}

func TestStoreErrorsPropagate(t *testing.T) {
	m := NewManager(failingStore{})
	_, _, err := m.Ensure(context.Background(), "General")
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, m.Exists("General"))
	_, err = m.List(context.Background())
	assert.Error(t, err)
}
