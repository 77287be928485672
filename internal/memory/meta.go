package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GoalScope distinguishes near-term objectives from standing ones.
type GoalScope string

const (
	GoalShortTerm GoalScope = "short_term"
	GoalLongTerm  GoalScope = "long_term"
)

// Goal is a tracked objective with completion progress in percent.
type Goal struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Scope       GoalScope  `json:"scope"`
	Progress    float64    `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UserProfile accumulates what the system knows about the user. The same
// type doubles as a patch for UpdateUserProfile.
type UserProfile struct {
	Preferences map[string]string `json:"preferences,omitempty"`
	Goals       []string          `json:"goals,omitempty"`
	Highlights  []string          `json:"highlights,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
}

// SharedFact is a piece of knowledge contributed to the collective pool.
type SharedFact struct {
	Fact       string    `json:"fact"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	At         time.Time `json:"at"`
}

// SharedConcept is a definition the group has agreed on.
type SharedConcept struct {
	Name       string    `json:"name"`
	Definition string    `json:"definition"`
	Examples   []string  `json:"examples,omitempty"`
	At         time.Time `json:"at"`
}

// Decision records an agreement reached during collaboration.
type Decision struct {
	Text         string    `json:"text"`
	Participants []string  `json:"participants,omitempty"`
	Reasoning    string    `json:"reasoning,omitempty"`
	At           time.Time `json:"at"`
}

// MetaSnapshot is the serialized form of the MetaMemory.
type MetaSnapshot struct {
	Profile        UserProfile     `json:"profile"`
	ActiveGoals    []Goal          `json:"active_goals,omitempty"`
	CompletedGoals []Goal          `json:"completed_goals,omitempty"`
	Facts          []SharedFact    `json:"facts,omitempty"`
	Concepts       []SharedConcept `json:"concepts,omitempty"`
	Decisions      []Decision      `json:"decisions,omitempty"`
	Effectiveness  float64         `json:"effectiveness"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MetaMemory is the process-wide tier: the user profile, tracked goals,
// the shared knowledge pool, and a collaboration effectiveness score.
// Safe for concurrent use.
type MetaMemory struct {
	mu             sync.Mutex
	profile        UserProfile
	activeGoals    []Goal
	completedGoals []Goal
	facts          []SharedFact
	concepts       []SharedConcept
	decisions      []Decision
	effectiveness  float64
	updatedAt      time.Time

	now   func() time.Time
	newID func() string
}

func newMetaMemory() *MetaMemory {
	return &MetaMemory{
		profile: UserProfile{
			Preferences: make(map[string]string),
			Context:     make(map[string]any),
		},
		effectiveness: 0.5,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

func newMetaMemoryFromSnapshot(snap *MetaSnapshot) *MetaMemory {
	m := newMetaMemory()
	for k, v := range snap.Profile.Preferences {
		m.profile.Preferences[k] = v
	}
	m.profile.Goals = append(m.profile.Goals, snap.Profile.Goals...)
	m.profile.Highlights = append(m.profile.Highlights, snap.Profile.Highlights...)
	for k, v := range snap.Profile.Context {
		m.profile.Context[k] = v
	}
	m.activeGoals = append(m.activeGoals, snap.ActiveGoals...)
	m.completedGoals = append(m.completedGoals, snap.CompletedGoals...)
	m.facts = append(m.facts, snap.Facts...)
	m.concepts = append(m.concepts, snap.Concepts...)
	m.decisions = append(m.decisions, snap.Decisions...)
	if snap.Effectiveness > 0 {
		m.effectiveness = snap.Effectiveness
	}
	m.updatedAt = snap.UpdatedAt
	return m
}

// UpdateUserProfile applies a patch: preferences and context entries are
// merged key by key, goals and highlights are appended.
func (m *MetaMemory) UpdateUserProfile(patch UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range patch.Preferences {
		m.profile.Preferences[k] = v
	}
	m.profile.Goals = append(m.profile.Goals, patch.Goals...)
	m.profile.Highlights = append(m.profile.Highlights, patch.Highlights...)
	for k, v := range patch.Context {
		m.profile.Context[k] = v
	}
	m.updatedAt = m.now()
}

// Profile returns a copy of the accumulated user profile.
func (m *MetaMemory) Profile() UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := UserProfile{
		Preferences: make(map[string]string, len(m.profile.Preferences)),
		Goals:       append([]string(nil), m.profile.Goals...),
		Highlights:  append([]string(nil), m.profile.Highlights...),
		Context:     make(map[string]any, len(m.profile.Context)),
	}
	for k, v := range m.profile.Preferences {
		out.Preferences[k] = v
	}
	for k, v := range m.profile.Context {
		out.Context[k] = v
	}
	return out
}

// AddGoal starts tracking an objective at zero progress and returns its id.
func (m *MetaMemory) AddGoal(text string, scope GoalScope) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal := Goal{
		ID:        m.newID(),
		Text:      text,
		Scope:     scope,
		CreatedAt: m.now(),
	}
	m.activeGoals = append(m.activeGoals, goal)
	m.updatedAt = goal.CreatedAt
	return goal.ID
}

// UpdateGoalProgress sets a goal's progress, clamped to [0, 100]. Reaching
// 100 completes the goal: it is stamped and moved off the active list.
func (m *MetaMemory) UpdateGoalProgress(id string, percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	for i := range m.activeGoals {
		if m.activeGoals[i].ID != id {
			continue
		}
		m.activeGoals[i].Progress = percent
		m.updatedAt = m.now()
		if percent >= 100 {
			goal := m.activeGoals[i]
			completed := m.now()
			goal.CompletedAt = &completed
			m.completedGoals = append(m.completedGoals, goal)
			m.activeGoals = append(m.activeGoals[:i], m.activeGoals[i+1:]...)
		}
		return nil
	}
	return fmt.Errorf("goal %s not found", id)
}

// ActiveGoals returns a copy of the goals still in progress.
func (m *MetaMemory) ActiveGoals() []Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Goal(nil), m.activeGoals...)
}

// CompletedGoals returns a copy of the finished goals.
func (m *MetaMemory) CompletedGoals() []Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Goal(nil), m.completedGoals...)
}

// AddSharedFact appends a fact to the shared knowledge pool.
func (m *MetaMemory) AddSharedFact(fact string, confidence float64, sources []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, SharedFact{
		Fact:       fact,
		Confidence: clamp01(confidence),
		Sources:    append([]string(nil), sources...),
		At:         m.now(),
	})
	m.updatedAt = m.now()
}

// AddSharedConcept appends an agreed definition to the shared pool.
func (m *MetaMemory) AddSharedConcept(name, definition string, examples []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concepts = append(m.concepts, SharedConcept{
		Name:       name,
		Definition: definition,
		Examples:   append([]string(nil), examples...),
		At:         m.now(),
	})
	m.updatedAt = m.now()
}

// AddDecision records an agreement and who was party to it.
func (m *MetaMemory) AddDecision(text string, participants []string, reasoning string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, Decision{
		Text:         text,
		Participants: append([]string(nil), participants...),
		Reasoning:    reasoning,
		At:           m.now(),
	})
	m.updatedAt = m.now()
}

// Facts returns a copy of the shared fact pool.
func (m *MetaMemory) Facts() []SharedFact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SharedFact(nil), m.facts...)
}

// Concepts returns a copy of the shared concept pool.
func (m *MetaMemory) Concepts() []SharedConcept {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SharedConcept(nil), m.concepts...)
}

// Decisions returns a copy of the recorded decisions.
func (m *MetaMemory) Decisions() []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Decision(nil), m.decisions...)
}

// CollaborationScores are the per-round signals that feed the
// effectiveness average.
type CollaborationScores struct {
	ConsensusRate        float64 `json:"consensus_rate"`
	GoalProgress         float64 `json:"goal_progress"`
	ParticipationBalance float64 `json:"participation_balance"`
}

// UpdateEffectiveness blends a weighted round score into the running
// effectiveness average and returns the new value.
func (m *MetaMemory) UpdateEffectiveness(scores CollaborationScores) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	score := 0.3*scores.ConsensusRate + 0.4*scores.GoalProgress + 0.3*scores.ParticipationBalance
	m.effectiveness = 0.7*m.effectiveness + 0.3*score
	m.updatedAt = m.now()
	return m.effectiveness
}

// Effectiveness returns the current collaboration effectiveness score.
func (m *MetaMemory) Effectiveness() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveness
}

// Snapshot serializes the full meta state.
func (m *MetaMemory) Snapshot() *MetaSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MetaSnapshot{
		Profile: UserProfile{
			Preferences: make(map[string]string, len(m.profile.Preferences)),
			Goals:       append([]string(nil), m.profile.Goals...),
			Highlights:  append([]string(nil), m.profile.Highlights...),
			Context:     make(map[string]any, len(m.profile.Context)),
		},
		ActiveGoals:    append([]Goal(nil), m.activeGoals...),
		CompletedGoals: append([]Goal(nil), m.completedGoals...),
		Facts:          append([]SharedFact(nil), m.facts...),
		Concepts:       append([]SharedConcept(nil), m.concepts...),
		Decisions:      append([]Decision(nil), m.decisions...),
		Effectiveness:  m.effectiveness,
		UpdatedAt:      m.updatedAt,
	}
	for k, v := range m.profile.Preferences {
		snap.Profile.Preferences[k] = v
	}
	for k, v := range m.profile.Context {
		snap.Profile.Context[k] = v
	}
	return snap
}
