package memory

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Trait is a stable personality attribute with a confidence weight.
type Trait struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Preference is a learned inclination whose strength moves with reinforcement.
type Preference struct {
	Value    string  `json:"value"`
	Strength float64 `json:"strength"`
	Context  string  `json:"context,omitempty"`
}

// Reinforcement records a single reward or punishment event.
type Reinforcement struct {
	Action string    `json:"action"`
	State  string    `json:"state"`
	Reward float64   `json:"reward"`
	At     time.Time `json:"at"`
}

// StructuredEntry is one item in the append-only structured memory log.
type StructuredEntry struct {
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ModelSnapshot is the serialized form of a ModelMemory. Logs are trimmed
// to the configured retention before serialization; live state is unbounded.
type ModelSnapshot struct {
	AgentID       string                        `json:"agent_id"`
	Traits        map[string]Trait              `json:"traits,omitempty"`
	Preferences   map[string]Preference         `json:"preferences,omitempty"`
	Skills        []string                      `json:"skills,omitempty"`
	Emotions      map[string]float64            `json:"emotions,omitempty"`
	QTable        map[string]map[string]float64 `json:"q_table,omitempty"`
	RewardLog     []Reinforcement               `json:"reward_log,omitempty"`
	PunishmentLog []Reinforcement               `json:"punishment_log,omitempty"`
	Structured    []StructuredEntry             `json:"structured,omitempty"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// ModelMemory is the per-agent learning tier: personality traits,
// preferences, skills, an emotion map, and a Q-table updated by
// reinforcement. All methods are safe for concurrent use.
type ModelMemory struct {
	mu            sync.Mutex
	agentID       string
	traits        map[string]Trait
	preferences   map[string]Preference
	skills        []string
	emotions      map[string]float64
	qTable        map[string]map[string]float64
	rewardLog     []Reinforcement
	punishmentLog []Reinforcement
	structured    []StructuredEntry
	updatedAt     time.Time

	cfg LearningConfig

	now       func() time.Time
	randFloat func() float64
	randIntn  func(int) int
}

func newModelMemory(agentID string, cfg LearningConfig) *ModelMemory {
	return &ModelMemory{
		agentID:     agentID,
		traits:      make(map[string]Trait),
		preferences: make(map[string]Preference),
		emotions: map[string]float64{
			"satisfaction": 0.5,
			"frustration":  0,
			"curiosity":    0.5,
			"confidence":   0.5,
		},
		qTable:    make(map[string]map[string]float64),
		cfg:       cfg.normalized(),
		now:       time.Now,
		randFloat: rand.Float64,
		randIntn:  rand.Intn,
	}
}

func newModelMemoryFromSnapshot(snap *ModelSnapshot, cfg LearningConfig) *ModelMemory {
	m := newModelMemory(snap.AgentID, cfg)
	for name, t := range snap.Traits {
		m.traits[name] = t
	}
	for name, p := range snap.Preferences {
		m.preferences[name] = p
	}
	m.skills = append(m.skills, snap.Skills...)
	for name, v := range snap.Emotions {
		m.emotions[name] = v
	}
	for state, actions := range snap.QTable {
		row := make(map[string]float64, len(actions))
		for action, q := range actions {
			row[action] = q
		}
		m.qTable[state] = row
	}
	m.rewardLog = append(m.rewardLog, snap.RewardLog...)
	m.punishmentLog = append(m.punishmentLog, snap.PunishmentLog...)
	m.structured = append(m.structured, snap.Structured...)
	m.updatedAt = snap.UpdatedAt
	return m
}

// AgentID returns the agent this memory belongs to.
func (m *ModelMemory) AgentID() string { return m.agentID }

// AddTrait records or replaces a personality trait.
func (m *ModelMemory) AddTrait(name, value string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traits[name] = Trait{Value: value, Confidence: clamp01(confidence)}
	m.record("trait", fmt.Sprintf("%s=%s", name, value))
}

// AddPreference records a preference or shifts an existing one by
// strengthDelta. New preferences start from a neutral 0.5 strength.
func (m *ModelMemory) AddPreference(name, value string, strengthDelta float64, context string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.preferences[name]
	if !ok {
		p = Preference{Strength: 0.5}
	}
	p.Value = value
	p.Strength = clamp01(p.Strength + strengthDelta)
	if context != "" {
		p.Context = context
	}
	m.preferences[name] = p
	m.record("preference", fmt.Sprintf("%s=%s", name, value))
}

// AddSkill records a skill once; repeated adds are ignored.
func (m *ModelMemory) AddSkill(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.skills {
		if s == name {
			return
		}
	}
	m.skills = append(m.skills, name)
	m.record("skill", name)
}

// ApplyReinforcement feeds a reward signal into the learning state:
// it logs the event, shifts the strength of a referenced preference,
// applies a Q-learning update for (state, action), and moves the emotion
// map (boosting satisfaction or frustration, decaying the rest).
func (m *ModelMemory) ApplyReinforcement(action string, reward float64, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := Reinforcement{Action: action, State: state, Reward: reward, At: m.now()}
	if reward > 0 {
		m.rewardLog = append(m.rewardLog, event)
	} else {
		event.Reward = math.Abs(reward)
		m.punishmentLog = append(m.punishmentLog, event)
	}

	prefName := strings.TrimPrefix(action, "preference:")
	if p, ok := m.preferences[prefName]; ok {
		p.Strength = clamp01(p.Strength + reward*m.cfg.LearningRate)
		m.preferences[prefName] = p
	}

	row := m.qTable[state]
	if row == nil {
		row = make(map[string]float64)
		m.qTable[state] = row
	}
	maxNextQ := 0.0
	for _, q := range row {
		if q > maxNextQ {
			maxNextQ = q
		}
	}
	current := row[action]
	row[action] = current + m.cfg.LearningRate*(reward+m.cfg.DiscountFactor*maxNextQ-current)

	target := "frustration"
	if reward > 0 {
		target = "satisfaction"
	}
	for name, v := range m.emotions {
		if name == target {
			m.emotions[name] = clamp01(v + 0.5*math.Abs(reward))
		} else {
			m.emotions[name] = v * 0.95
		}
	}

	m.record("reinforcement", fmt.Sprintf("%s in %s: %+.2f", action, state, reward))
}

// SelectAction picks one of the available actions using an epsilon-greedy
// policy over the Q-table: with probability explorationRate it picks
// uniformly, otherwise the highest-valued action with ties going to the
// first listed. Returns the empty string when no actions are offered.
func (m *ModelMemory) SelectAction(state string, available []string) string {
	if len(available) == 0 {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.randFloat() < m.cfg.ExplorationRate {
		return available[m.randIntn(len(available))]
	}

	row := m.qTable[state]
	best := available[0]
	bestQ := row[best]
	for _, action := range available[1:] {
		if q := row[action]; q > bestQ {
			best = action
			bestQ = q
		}
	}
	return best
}

// Emotions returns a copy of the current emotion map.
func (m *ModelMemory) Emotions() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.emotions))
	for name, v := range m.emotions {
		out[name] = v
	}
	return out
}

// Traits returns a copy of the trait map.
func (m *ModelMemory) Traits() map[string]Trait {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Trait, len(m.traits))
	for name, t := range m.traits {
		out[name] = t
	}
	return out
}

// Preferences returns a copy of the preference map.
func (m *ModelMemory) Preferences() map[string]Preference {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Preference, len(m.preferences))
	for name, p := range m.preferences {
		out[name] = p
	}
	return out
}

// Skills returns a copy of the skill list in insertion order.
func (m *ModelMemory) Skills() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.skills...)
}

// Summary renders a tagged textual report of personality, emotional
// state, and learning statistics, suitable for prompt assembly.
func (m *ModelMemory) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("[personality]\n")
	for _, name := range sortedKeys(m.traits) {
		t := m.traits[name]
		fmt.Fprintf(&b, "trait %s: %s (confidence %.2f)\n", name, t.Value, t.Confidence)
	}
	for _, name := range sortedKeys(m.preferences) {
		p := m.preferences[name]
		fmt.Fprintf(&b, "prefers %s: %s (strength %.2f)\n", name, p.Value, p.Strength)
	}
	if len(m.skills) > 0 {
		fmt.Fprintf(&b, "skills: %s\n", strings.Join(m.skills, ", "))
	}

	b.WriteString("[emotions]\n")
	for _, name := range sortedKeys(m.emotions) {
		fmt.Fprintf(&b, "%s: %.2f\n", name, m.emotions[name])
	}

	b.WriteString("[learning]\n")
	actions := 0
	for _, row := range m.qTable {
		actions += len(row)
	}
	fmt.Fprintf(&b, "rewards: %d, punishments: %d, states: %d, actions: %d\n",
		len(m.rewardLog), len(m.punishmentLog), len(m.qTable), actions)
	return b.String()
}

// Snapshot serializes the memory, trimming the reinforcement logs and
// the structured log to the configured retention.
func (m *ModelMemory) Snapshot() *ModelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &ModelSnapshot{
		AgentID:       m.agentID,
		Traits:        make(map[string]Trait, len(m.traits)),
		Preferences:   make(map[string]Preference, len(m.preferences)),
		Skills:        append([]string(nil), m.skills...),
		Emotions:      make(map[string]float64, len(m.emotions)),
		QTable:        make(map[string]map[string]float64, len(m.qTable)),
		RewardLog:     tail(m.rewardLog, m.cfg.RetainLogs),
		PunishmentLog: tail(m.punishmentLog, m.cfg.RetainLogs),
		Structured:    tail(m.structured, m.cfg.RetainStructured),
		UpdatedAt:     m.updatedAt,
	}
	for name, t := range m.traits {
		snap.Traits[name] = t
	}
	for name, p := range m.preferences {
		snap.Preferences[name] = p
	}
	for name, v := range m.emotions {
		snap.Emotions[name] = v
	}
	for state, actions := range m.qTable {
		row := make(map[string]float64, len(actions))
		for action, q := range actions {
			row[action] = q
		}
		snap.QTable[state] = row
	}
	return snap
}

// record appends to the structured log. Caller holds the lock.
func (m *ModelMemory) record(kind, content string) {
	now := m.now()
	m.structured = append(m.structured, StructuredEntry{Kind: kind, Content: content, At: now})
	m.updatedAt = now
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tail copies the last n elements of s, or all of s when n <= 0.
func tail[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]T(nil), s...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
