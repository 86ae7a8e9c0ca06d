package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/protocol"
)

func TestRoomNamesAreValid(t *testing.T) {
	rooms := RoomNames(3)
	assert.Equal(t, []string{"room-1", "room-2", "room-3"}, rooms)
	for _, r := range rooms {
		assert.NoError(t, protocol.ValidateRoomName(r))
	}
}

func TestJoinPrecedesText(t *testing.T) {
	g := New(2000, RoomNames(4), 0, 42)
	joined := make(map[string]bool)
	counts := make(map[Kind]int)
	for i := 0; i < g.Total; i++ {
		job := g.Next(i)
		counts[job.Kind]++
		switch job.Kind {
		case KindJoin:
			assert.False(t, joined[job.Room])
			joined[job.Room] = true
		case KindLeave:
			assert.True(t, joined[job.Room])
			joined[job.Room] = false
		case KindText:
			assert.True(t, joined[job.Room], "text to %s before join", job.Room)
			assert.NotEmpty(t, job.Body)
		}
	}
	assert.Greater(t, counts[KindText], counts[KindJoin])
	assert.Positive(t, counts[KindLeave])
}

func TestRunClosesOutput(t *testing.T) {
	g := New(10, RoomNames(2), 10, 1)
	g.Run(context.Background())
	var seqs []int
	for job := range g.Output {
		seqs = append(seqs, job.Seq)
	}
	require.Len(t, seqs, 10)
	assert.Equal(t, 9, seqs[9])
}

func TestRunStopsOnCancel(t *testing.T) {
	g := New(100, RoomNames(2), 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Run(ctx)
	_, ok := <-g.Output
	assert.False(t, ok)
}
