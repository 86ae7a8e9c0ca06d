package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usernames(r *Registry) []string {
	var out []string
	for _, p := range r.ListOnline() {
		out = append(out, p.Username)
	}
	return out
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register("c1", "alice", "a.png")
	require.True(t, r.Join("c1", "General"))

	p := r.Register("c1", "alice2", "")
	assert.Equal(t, "alice2", p.Username)
	assert.Empty(t, p.Avatar)
	assert.Empty(t, p.JoinedRooms)
	assert.Empty(t, r.Members("General"))
	assert.Equal(t, 1, r.Len())
}

func TestListOnlineKeepsInsertionOrder(t *testing.T) {
	r := New()
	r.Register("c3", "carol", "")
	r.Register("c1", "alice", "")
	r.Register("c2", "bob", "")
	r.Register("c1", "alice", "") // re-register keeps position
	assert.Equal(t, []string{"carol", "alice", "bob"}, usernames(r))

	_, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"carol", "bob"}, usernames(r))
}

func TestRemoveReturnsProfile(t *testing.T) {
	r := New()
	r.Register("c1", "alice", "")
	r.Join("c1", "General")
	r.Join("c1", "Family")

	p, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, []string{"General", "Family"}, p.JoinedRooms)
	assert.False(t, p.Online)
	assert.Empty(t, r.Members("General"))

	_, ok = r.Remove("c1")
	assert.False(t, ok)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}

func TestJoinIsNoopWhenAlreadyJoined(t *testing.T) {
	r := New()
	r.Register("c1", "alice", "")
	r.Register("c2", "bob", "")

	assert.True(t, r.Join("c1", "General"))
	assert.False(t, r.Join("c1", "General"))
	assert.True(t, r.Join("c2", "General"))
	assert.False(t, r.Join("ghost", "General"))

	assert.Equal(t, []string{"c1", "c2"}, r.Members("General"))
	assert.True(t, r.IsMember("c2", "General"))
	assert.False(t, r.IsMember("ghost", "General"))

	profiles := r.MemberProfiles("General")
	require.Len(t, profiles, 2)
	assert.Equal(t, "bob", profiles[1].Username)

	assert.True(t, r.Leave("c1", "General"))
	assert.False(t, r.Leave("c1", "General"))
	assert.Equal(t, []string{"c2"}, r.Members("General"))
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	r := New()
	r.Register("c1", "alice", "")
	r.Join("c1", "General")

	p, _ := r.Lookup("c1")
	p.JoinedRooms[0] = "mutated"
	members := r.Members("General")
	members[0] = "mutated"

	p2, _ := r.Lookup("c1")
	assert.Equal(t, []string{"General"}, p2.JoinedRooms)
	assert.Equal(t, []string{"c1"}, r.Members("General"))
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Register(id, id, "")
			r.Join(id, "General")
			r.ListOnline()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
	assert.Len(t, r.Members("General"), 10)
}
