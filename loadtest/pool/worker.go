package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"groupchat/client/session"
	"groupchat/loadtest/generator"
	"groupchat/loadtest/metrics"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
	defaultTimeout    = 5 * time.Second
	defaultHistoryCap = 256
)

// Recorder receives one record per finished job.
type Recorder interface {
	Record(metrics.Record)
	RecordConnection()
	RecordRetry()
}

// Discard drops everything; the warmup phase uses it.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(metrics.Record) {}
func (discard) RecordConnection()     {}
func (discard) RecordRetry()          {}

type Config struct {
	// URL is the server websocket endpoint.
	URL        string
	// Prefix names the workers' users: <prefix>_<id>.
	Prefix     string
	// MaxRetries defaults to 5; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	// Timeout bounds a single attempt, including the wait for its ack.
	Timeout    time.Duration
	HistoryCap int
	Log        *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "loader"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = defaultHistoryCap
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

// Worker is one chat user working through jobs with its own session.
type Worker struct {
	ID     int
	cfg    Config
	input  <-chan generator.Job
	rec    Recorder
	log    *zap.Logger
	sess   *session.Session
	joined map[string]bool
}

func NewWorker(id int, input <-chan generator.Job, rec Recorder, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{
		ID:     id,
		cfg:    cfg,
		input:  input,
		rec:    rec,
		log:    cfg.Log.With(zap.Int("worker", id)),
		joined: make(map[string]bool),
	}
}

func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer w.close()
	for job := range w.input {
		if ctx.Err() != nil {
			return
		}
		w.processWithRetry(ctx, job)
	}
}

func (w *Worker) close() {
	if w.sess != nil {
		w.sess.Close()
	}
}

func (w *Worker) connect(ctx context.Context) (*session.Session, error) {
	if w.sess != nil {
		return w.sess, nil
	}
	s := session.New(session.Options{
		URL:        w.cfg.URL,
		Username:   fmt.Sprintf("%s_%d", w.cfg.Prefix, w.ID),
		BaseDelay:  w.cfg.BaseDelay,
		HistoryCap: w.cfg.HistoryCap,
		Log:        w.log,
	})
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	w.sess = s
	w.rec.RecordConnection()
	return s, nil
}

func (w *Worker) processWithRetry(ctx context.Context, job generator.Job) {
	for i := 0; i <= w.cfg.MaxRetries; i++ {
		start := time.Now()
		err := w.process(ctx, job)
		if err == nil {
			w.rec.Record(metrics.Record{
				Timestamp: start,
				Kind:      string(job.Kind),
				Latency:   time.Since(start),
				Status:    metrics.StatusOK,
				Room:      job.Room,
			})
			return
		}

		w.log.Debug("job failed",
			zap.Int("seq", job.Seq),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", i+1),
			zap.Error(err))
		if errors.Is(err, session.ErrSendRejected) {
			// rejoin on the next attempt
			delete(w.joined, job.Room)
		}

		if i == w.cfg.MaxRetries || ctx.Err() != nil {
			w.log.Warn("job gave up", zap.Int("seq", job.Seq), zap.String("room", job.Room), zap.Error(err))
			w.rec.Record(metrics.Record{
				Timestamp: start,
				Kind:      string(job.Kind),
				Status:    metrics.StatusError,
				Room:      job.Room,
			})
			return
		}
		w.rec.RecordRetry()
		delay := w.cfg.BaseDelay * time.Duration(math.Pow(2, float64(i)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

func (w *Worker) process(ctx context.Context, job generator.Job) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	s, err := w.connect(ctx)
	if err != nil {
		return err
	}

	switch job.Kind {
	case generator.KindJoin:
		return w.join(ctx, s, job.Room)
	case generator.KindLeave:
		if !w.joined[job.Room] {
			return nil
		}
		if err := s.LeaveRoom(job.Room); err != nil {
			return err
		}
		delete(w.joined, job.Room)
		return nil
	default:
		if !w.joined[job.Room] {
			if err := w.join(ctx, s, job.Room); err != nil {
				return err
			}
		}
		tempID, err := s.SendMessage(job.Room, job.Body)
		if err != nil {
			return err
		}
		return s.WaitDelivered(ctx, tempID)
	}
}

// join relies on the server handling one connection's frames in order, so a
// join sent after a leave is acked before any later message.
func (w *Worker) join(ctx context.Context, s *session.Session, room string) error {
	if err := s.JoinRoom(room); err != nil {
		return err
	}
	if err := s.WaitJoined(ctx, room); err != nil {
		return err
	}
	w.joined[room] = true
	return nil
}

type Pool struct {
	NumWorkers int
	Input      <-chan generator.Job
	Recorder   Recorder
	Config     Config
}

func New(numWorkers int, input <-chan generator.Job, rec Recorder, cfg Config) *Pool {
	return &Pool{
		NumWorkers: numWorkers,
		Input:      input,
		Recorder:   rec,
		Config:     cfg,
	}
}

// Run blocks until Input is drained or ctx is done.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.NumWorkers; i++ {
		wg.Add(1)
		go NewWorker(i, p.Input, p.Recorder, p.Config).Run(ctx, &wg)
	}
	wg.Wait()
}
