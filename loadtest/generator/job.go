package generator

import (
	"context"
	"fmt"
	"math/rand"
)

type Kind string

const (
	KindText  Kind = "TEXT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// LeaveRate is the chance that a joined room gets a leave instead of a text.
const LeaveRate = 0.05

var predefinedMessages = []string{
	"Hello world!", "How are you?", "WebSocket is cool", "Distributed systems are hard",
	"Chat application", "Testing high load", "Another message", "Design patterns",
	"Latency check", "Throughput test", "Keep alive", "Good morning", "Good night",
	"See you later", "I will be back", "Concurrency", "Parallelism", "Scalability",
	"Reliability", "Availability", "Consistency", "Partition tolerance", "Little's Law",
	"Queuing theory", "Load balancing", "Failover", "Replication", "Sharding", "Caching",
}

// Job is one unit of work for the pool.
type Job struct {
	Seq  int
	Kind Kind
	Room string
	Body string
}

type Generator struct {
	Total  int
	Output chan Job
	rooms  []string
	joined map[string]bool
	rnd    *rand.Rand
}

// RoomNames returns n load test rooms: room-1 .. room-n.
func RoomNames(n int) []string {
	rooms := make([]string, n)
	for i := range rooms {
		rooms[i] = fmt.Sprintf("room-%d", i+1)
	}
	return rooms
}

func New(total int, rooms []string, buffer int, seed int64) *Generator {
	return &Generator{
		Total:  total,
		Output: make(chan Job, buffer),
		rooms:  rooms,
		joined: make(map[string]bool),
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Next builds the job with sequence number seq. A room is joined before its
// first text and left now and then.
func (g *Generator) Next(seq int) Job {
	room := g.rooms[g.rnd.Intn(len(g.rooms))]
	job := Job{Seq: seq, Room: room, Kind: KindText}
	switch {
	case !g.joined[room]:
		job.Kind = KindJoin
		g.joined[room] = true
	case g.rnd.Float64() < LeaveRate:
		job.Kind = KindLeave
		g.joined[room] = false
	default:
		job.Body = predefinedMessages[g.rnd.Intn(len(predefinedMessages))]
	}
	return job
}

// Run emits Total jobs and closes Output.
func (g *Generator) Run(ctx context.Context) {
	defer close(g.Output)
	for i := 0; i < g.Total; i++ {
		select {
		case g.Output <- g.Next(i):
		case <-ctx.Done():
			return
		}
	}
}
