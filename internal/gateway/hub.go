package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// hub routes events to users: to the live connection when one is attached,
// into the user's outbox otherwise. One mutex serializes attach, detach,
// and delivery, which is what makes the reconnect flush atomic with
// respect to in-flight orchestration events.
type hub struct {
	mu    sync.Mutex
	users map[string]*userState

	outboxSize int
	metrics    *observability.Metrics
	logger     *slog.Logger
}

type userState struct {
	conn   *wsConn
	outbox *outbox
}

func newHub(outboxSize int, metrics *observability.Metrics, logger *slog.Logger) *hub {
	return &hub{
		users:      map[string]*userState{},
		outboxSize: outboxSize,
		metrics:    metrics,
		logger:     logger,
	}
}

// deliver routes one event to the user. Events for a disconnected user
// land in the outbox; a connection closed by critical backpressure is
// detached and the event rerouted there too.
func (h *hub) deliver(userID string, ev models.Event) {
	q, err := marshalEvent(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", string(ev.Type), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.stateLocked(userID)
	if state.conn != nil {
		if state.conn.enqueue(q) {
			return
		}
		state.conn = nil
	}
	state.outbox.add(q)
}

// attach registers the connection for userID, greets it, and flushes any
// buffered events behind the greeting in their original order. A previous
// live connection for the user is displaced. It reports whether the user
// was already known, which the caller surfaces as isReconnection.
func (h *hub) attach(userID string, conn *wsConn, hello func(reconnection bool) models.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, known := h.users[userID]
	state := h.stateLocked(userID)
	if prev := state.conn; prev != nil {
		prev.close()
	}
	state.conn = conn

	if q, err := marshalEvent(hello(known)); err != nil {
		h.logger.Error("hello marshal failed", "error", err)
	} else {
		conn.enqueue(q)
	}

	pending := state.outbox.drain()
	for i, q := range pending {
		if !conn.enqueue(q) {
			// The fresh connection died mid-flush; keep the rest for the
			// next one.
			for _, rest := range pending[i:] {
				state.outbox.add(rest)
			}
			state.conn = nil
			break
		}
	}
	return known
}

// detach clears the user's connection if it is still the given one. The
// outbox stays; in-flight orchestrations keep delivering into it.
func (h *hub) detach(userID string, conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state, ok := h.users[userID]; ok && state.conn == conn {
		state.conn = nil
	}
}

// connected counts live connections.
func (h *hub) connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, state := range h.users {
		if state.conn != nil {
			n++
		}
	}
	return n
}

// buffered reports how many events await the user's next connection.
func (h *hub) buffered(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state, ok := h.users[userID]; ok {
		return state.outbox.len()
	}
	return 0
}

// prune drops state for users with no live connection and no live
// sessions. Their outboxes go with them: once the sessions have expired
// there is nothing useful left to flush.
func (h *hub) prune(hasSessions func(userID string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for id, state := range h.users {
		if state.conn == nil && !hasSessions(id) {
			delete(h.users, id)
			n++
		}
	}
	return n
}

func (h *hub) stateLocked(userID string) *userState {
	state, ok := h.users[userID]
	if !ok {
		state = &userState{outbox: newOutbox(h.outboxSize, h.metrics)}
		h.users[userID] = state
	}
	return state
}

func marshalEvent(ev models.Event) (queued, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return queued{}, err
	}
	return queued{kind: ev.Type, data: data}, nil
}
