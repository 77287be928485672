package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

const (
	maxEnvelopeBytes = 1 << 20
	writeWait        = 10 * time.Second
	pongWait         = 45 * time.Second
	pingPeriod       = 15 * time.Second
)

// queued is one marshalled event awaiting a writer.
type queued struct {
	kind models.EventType
	data []byte
}

// wsConn owns one websocket connection: a bounded send queue drained by a
// single writer goroutine. Events are shed under backpressure in order of
// expendability; a critical event that cannot be queued closes the
// connection so the hub can reroute it to the user's outbox.
type wsConn struct {
	sock *websocket.Conn

	mu    sync.Mutex
	queue []queued
	max   int
	wake  chan struct{}

	done chan struct{}
	once sync.Once

	metrics *observability.Metrics
	logger  *slog.Logger
}

func newConn(sock *websocket.Conn, queueSize int, metrics *observability.Metrics, logger *slog.Logger) *wsConn {
	return &wsConn{
		sock:    sock,
		max:     queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// enqueue queues one event for the writer. It reports false only when the
// event could not be accepted at all: the connection is closed, or a
// critical event found the queue full of other critical events (which
// closes the connection). Non-critical events shed under backpressure
// still report true; shedding is policy, not failure.
func (c *wsConn) enqueue(ev queued) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	c.mu.Lock()
	if len(c.queue) < c.max {
		c.queue = append(c.queue, ev)
		c.mu.Unlock()
		c.signal()
		return true
	}

	if !ev.kind.Critical() {
		c.mu.Unlock()
		c.recordDrop(ev.kind)
		return true
	}

	// A critical event must go out. Shed the first droppable entry, then
	// the first non-critical one; if the queue is wall-to-wall critical,
	// the client cannot keep up and the connection goes.
	i := shedIndex(c.queue)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Warn("send queue saturated with critical events, closing connection")
		c.close()
		return false
	}
	shed := c.queue[i].kind
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	c.recordDrop(shed)
	c.signal()
	return true
}

// shedIndex picks the queue entry to sacrifice for an incoming critical
// event: droppable kinds first, then anything non-critical.
func shedIndex(queue []queued) int {
	for i, ev := range queue {
		if ev.kind.Droppable() {
			return i
		}
	}
	for i, ev := range queue {
		if !ev.kind.Critical() {
			return i
		}
	}
	return -1
}

// writeLoop drains the queue onto the socket and keeps the connection
// alive with pings. It exits on write failure or close.
func (c *wsConn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.wake:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				ev := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.sock.WriteMessage(websocket.TextMessage, ev.data); err != nil {
					c.close()
					return
				}
			}
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *wsConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *wsConn) recordDrop(kind models.EventType) {
	if c.metrics != nil {
		c.metrics.RecordEventDropped(string(kind))
	}
}
