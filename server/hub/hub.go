package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"groupchat/protocol"
	"groupchat/server/config"
	"groupchat/server/metrics"
)

var ErrClosed = errors.New("hub closed")

// Dispatcher receives the lifecycle and inbound frames of every connection.
// Dispatch is called from the connection's read goroutine, one frame at a time.
type Dispatcher interface {
	Connect(connID string)
	Dispatch(ctx context.Context, connID string, frame []byte)
	Disconnect(connID string)
}

// Conn is one websocket client. Writes go through send; only the write pump
// touches ws for writing.
type Conn struct {
	ID string

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks live connections and queues outbound frames to them.
type Hub struct {
	cfg     config.HubConfig
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.RWMutex
	conns   map[string]*Conn
	closed  bool
	serving sync.WaitGroup
}

func New(cfg config.HubConfig, m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		metrics: m,
		log:     log,
		conns:   make(map[string]*Conn),
	}
}

// Serve runs ws until the peer goes away or the hub closes. It blocks.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, d Dispatcher) error {
	c := &Conn{
		ID:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	h.conns[c.ID] = c
	h.serving.Add(1)
	h.mu.Unlock()
	defer h.serving.Done()
	h.metrics.Connections.Inc()
	h.log.Debug("connection opened", zap.String("conn", c.ID), zap.String("remote", ws.RemoteAddr().String()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(c)
	}()

	d.Connect(c.ID)
	h.readPump(ctx, c, d)

	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	c.close()
	wg.Wait()

	d.Disconnect(c.ID)
	h.metrics.Connections.Dec()
	h.log.Debug("connection closed", zap.String("conn", c.ID))
	return nil
}

func (h *Hub) readPump(ctx context.Context, c *Conn, d Dispatcher) {
	c.ws.SetReadLimit(h.cfg.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read error", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			h.metrics.Rejected.WithLabelValues(protocol.CodeRateLimited).Inc()
			h.Send(c.ID, &protocol.ErrorEvent{Code: protocol.CodeRateLimited, Message: "too many events"})
			continue
		}
		d.Dispatch(ctx, c.ID, frame)
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("write error", zap.String("conn", c.ID), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

// enqueue never blocks. A connection whose queue is full is closed.
func (h *Hub) enqueue(c *Conn, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.metrics.Dropped.Inc()
		h.log.Warn("dropping slow connection", zap.String("conn", c.ID))
		c.close()
		return false
	}
}

func (h *Hub) encode(ev protocol.Outbound) []byte {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("encode outbound", zap.String("type", ev.EventType()), zap.Error(err))
		return nil
	}
	return frame
}

// Send queues ev to one connection.
func (h *Hub) Send(connID string, ev protocol.Outbound) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame := h.encode(ev)
	if frame == nil || !h.enqueue(c, frame) {
		return false
	}
	h.metrics.Fanout.WithLabelValues(ev.EventType()).Inc()
	return true
}

// SendMany queues ev to every listed connection that is still live and
// returns how many accepted it. The frame is encoded once.
func (h *Hub) SendMany(connIDs []string, ev protocol.Outbound) int {
	if len(connIDs) == 0 {
		return 0
	}
	frame := h.encode(ev)
	if frame == nil {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame, ev.EventType())
}

// SendAll queues ev to every live connection.
func (h *Hub) SendAll(ev protocol.Outbound) int {
	frame := h.encode(ev)
	if frame == nil {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame, ev.EventType())
}

func (h *Hub) deliver(targets []*Conn, frame []byte, typ string) int {
	n := 0
	for _, c := range targets {
		if h.enqueue(c, frame) {
			n++
		}
	}
	if n > 0 {
		h.metrics.Fanout.WithLabelValues(typ).Add(float64(n))
	}
	return n
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client, refuses new ones and waits for the
// connection loops to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	h.serving.Wait()
}
