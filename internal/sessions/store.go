// Package sessions tracks live conversations: who participates in them, the
// ordered turn history, and the activity timestamps that drive idle expiry.
// The store is the gateway's bookkeeping layer; durable memory lives in the
// memory package.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Defaults applied by NewStore when Config leaves a field zero.
const (
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultMaxTurns bounds the per-session turn history so a long-lived
	// session cannot grow without limit. Oldest turns are trimmed first.
	DefaultMaxTurns = 1000
)

// ErrNotFound is returned when a session id is not in the store.
var ErrNotFound = errors.New("sessions: session not found")

// Session is a live conversation between one user identity and a set of
// agents. Values returned by the store are snapshots; mutating them does not
// affect the stored session.
type Session struct {
	ID           string
	UserID       string
	Topic        string
	Agents       []models.Agent
	Turns        []models.ChatTurn
	StartedAt    time.Time
	LastActivity time.Time
}

// Info is the listing view used for status snapshots. It deliberately omits
// the turn history.
type Info struct {
	ID           string            `json:"sessionId"`
	UserID       string            `json:"userId"`
	Topic        string            `json:"topic,omitempty"`
	Agents       []models.AgentRef `json:"agents"`
	TurnCount    int               `json:"turnCount"`
	StartedAt    time.Time         `json:"startedAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

// Config tunes the store.
type Config struct {
	// IdleTimeout is how long a session may sit without activity before a
	// Sweep removes it. Zero means DefaultIdleTimeout; negative disables
	// expiry.
	IdleTimeout time.Duration

	// MaxTurns caps the stored turn history per session. Zero or negative
	// means DefaultMaxTurns.
	MaxTurns int

	// Metrics receives session gauge updates when non-nil.
	Metrics *observability.Metrics
}

// Store keeps sessions in memory behind one RWMutex and hands out a
// per-session lock used by the gateway for turn serialization.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	locks *locker

	idleTimeout time.Duration
	maxTurns    int
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewStore creates an empty session store.
func NewStore(cfg Config) *Store {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Store{
		sessions:    map[string]*Session{},
		byUser:      map[string]map[string]struct{}{},
		locks:       newLocker(),
		idleTimeout: cfg.IdleTimeout,
		maxTurns:    cfg.MaxTurns,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

// Start creates the session for a start-conversation envelope. When the id
// is already live it refreshes the topic and, if agents are given, the
// participant set; the turn history survives. An empty id gets a generated
// UUID.
func (s *Store) Start(id, userID, topic string, agents []models.Agent) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureLocked(id, userID, agents)
	sess.Topic = topic
	return cloneSession(sess)
}

// Ensure returns the session for a chat envelope, creating it on the first
// message for the id. A non-empty agent list refreshes the participant set.
func (s *Store) Ensure(id, userID string, agents []models.Agent) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneSession(s.ensureLocked(id, userID, agents))
}

func (s *Store) ensureLocked(id, userID string, agents []models.Agent) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{ID: id, UserID: userID, StartedAt: now}
		s.sessions[id] = sess
		if userID != "" {
			set, ok := s.byUser[userID]
			if !ok {
				set = map[string]struct{}{}
				s.byUser[userID] = set
			}
			set[id] = struct{}{}
		}
		if s.metrics != nil {
			s.metrics.SessionStarted()
		}
	}
	if len(agents) > 0 {
		sess.Agents = cloneAgents(agents)
	}
	sess.LastActivity = s.now()
	return sess
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

// Touch bumps the session's activity clock. Touching an unknown id is a
// no-op.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = s.now()
	}
}

// AppendTurn records a turn and bumps the activity clock. Histories are
// trimmed from the front once they exceed the configured cap.
func (s *Store) AppendTurn(id string, turn models.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Turns = append(sess.Turns, turn)
	if excess := len(sess.Turns) - s.maxTurns; excess > 0 {
		sess.Turns = append([]models.ChatTurn(nil), sess.Turns[excess:]...)
	}
	sess.LastActivity = s.now()
	return nil
}

// History returns up to limit of the most recent turns, oldest first. A
// non-positive limit returns the full history. Unknown ids return nil.
func (s *Store) History(id string, limit int) []models.ChatTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	turns := sess.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) == 0 {
		return nil
	}
	return append([]models.ChatTurn(nil), turns...)
}

// List returns a status view of every live session, most recently active
// first.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, infoOf(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// SessionsForUser returns the ids of the user's live sessions in stable
// order. Reconnecting clients inherit these.
func (s *Store) SessionsForUser(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// End removes a session. Ending an unknown id is a no-op.
func (s *Store) End(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.removeLocked(sess)
	}
	s.mu.Unlock()

	if ok {
		s.locks.forget(id)
	}
}

// Sweep removes sessions whose idle time has reached the configured timeout
// and prunes lock entries for sessions that no longer exist. It returns how
// many sessions expired.
func (s *Store) Sweep() int {
	if s.idleTimeout < 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		if !sess.LastActivity.After(cutoff) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		s.removeLocked(sess)
	}
	alive := make(map[string]struct{}, len(s.sessions))
	for id := range s.sessions {
		alive[id] = struct{}{}
	}
	s.mu.Unlock()

	s.locks.prune(alive)
	return len(expired)
}

// Acquire takes the session's turn lock, waiting until the previous holder
// releases it or ctx is cancelled. The returned release function is safe to
// call more than once. The gateway serializes chats within a session by
// holding this lock for the duration of an orchestration.
func (s *Store) Acquire(ctx context.Context, sessionID string) (func(), error) {
	return s.locks.acquire(ctx, sessionID)
}

// Reserve takes a place in the session's turn queue without blocking.
// Places are granted in reservation order, so a caller that reserves on
// its dispatch path and waits elsewhere preserves arrival order even when
// the waits run on separate goroutines.
func (s *Store) Reserve(sessionID string) *Ticket {
	return s.locks.reserve(sessionID)
}

func (s *Store) removeLocked(sess *Session) {
	delete(s.sessions, sess.ID)
	if set, ok := s.byUser[sess.UserID]; ok {
		delete(set, sess.ID)
		if len(set) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
	if s.metrics != nil {
		s.metrics.SessionEnded(s.now().Sub(sess.StartedAt).Seconds())
	}
}

func infoOf(sess *Session) Info {
	refs := make([]models.AgentRef, 0, len(sess.Agents))
	for _, agent := range sess.Agents {
		refs = append(refs, agent.Ref())
	}
	return Info{
		ID:           sess.ID,
		UserID:       sess.UserID,
		Topic:        sess.Topic,
		Agents:       refs,
		TurnCount:    len(sess.Turns),
		StartedAt:    sess.StartedAt,
		LastActivity: sess.LastActivity,
	}
}

func cloneSession(sess *Session) *Session {
	clone := *sess
	clone.Agents = cloneAgents(sess.Agents)
	if len(sess.Turns) > 0 {
		clone.Turns = append([]models.ChatTurn(nil), sess.Turns...)
	}
	return &clone
}

func cloneAgents(agents []models.Agent) []models.Agent {
	if len(agents) == 0 {
		return nil
	}
	out := make([]models.Agent, len(agents))
	copy(out, agents)
	return out
}
