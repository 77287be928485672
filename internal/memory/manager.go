// Package memory implements the three learning tiers behind agent
// collaboration: per-agent model memory (traits, preferences, emotions,
// and a reinforcement-learned Q-table), per-session conversation memory
// (topics, participants, context windows), and process-wide meta memory
// (user profile, goals, shared knowledge, effectiveness). A Manager owns
// all tiers and persists them as JSON documents through a pluggable
// store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const (
	defaultContextWindow  = 20
	defaultRetainSessions = 50
)

// LearningConfig tunes the reinforcement behavior of model memories.
type LearningConfig struct {
	LearningRate     float64 `yaml:"learning_rate" json:"learning_rate"`         // default 0.1
	DiscountFactor   float64 `yaml:"discount_factor" json:"discount_factor"`     // default 0.9
	ExplorationRate  float64 `yaml:"exploration_rate" json:"exploration_rate"`   // default 0.1
	RetainLogs       int     `yaml:"retain_logs" json:"retain_logs"`             // default 100
	RetainStructured int     `yaml:"retain_structured" json:"retain_structured"` // default 500
}

func (c LearningConfig) normalized() LearningConfig {
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	if c.DiscountFactor == 0 {
		c.DiscountFactor = 0.9
	}
	if c.ExplorationRate == 0 {
		c.ExplorationRate = 0.1
	}
	if c.RetainLogs == 0 {
		c.RetainLogs = 100
	}
	if c.RetainStructured == 0 {
		c.RetainStructured = 500
	}
	return c
}

// ConversationConfig tunes per-session conversation memories.
type ConversationConfig struct {
	WindowSize int `yaml:"window_size" json:"window_size"` // default 20
}

// PersistenceConfig selects and locates the snapshot store.
type PersistenceConfig struct {
	Backend        string `yaml:"backend" json:"backend"` // none, file, or sqlite
	Path           string `yaml:"path" json:"path"`
	RetainSessions int    `yaml:"retain_sessions" json:"retain_sessions"` // default 50
}

// Config contains configuration for the memory subsystem.
type Config struct {
	Learning     LearningConfig     `yaml:"learning" json:"learning"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Persistence  PersistenceConfig  `yaml:"persistence" json:"persistence"`
}

// Manager owns the memory tiers: model memories keyed by agent,
// conversation memories keyed by session, and the single meta memory.
// Agents and sessions borrow references; lifecycle stays here.
type Manager struct {
	mu            sync.RWMutex
	cfg           Config
	store         Store
	models        map[string]*ModelMemory
	conversations map[string]*ConversationMemory
	meta          *MetaMemory
	prompts       json.RawMessage
}

// NewManager creates a manager with the configured store backend.
// Fields left zero fall back to defaults.
func NewManager(cfg Config) (*Manager, error) {
	cfg.Learning = cfg.Learning.normalized()
	if cfg.Conversation.WindowSize == 0 {
		cfg.Conversation.WindowSize = defaultContextWindow
	}
	if cfg.Persistence.RetainSessions == 0 {
		cfg.Persistence.RetainSessions = defaultRetainSessions
	}

	var store Store
	switch cfg.Persistence.Backend {
	case "", "none":
		// Memory only; Save and Load become no-ops.
	case "file":
		path := cfg.Persistence.Path
		if path == "" {
			path = "data/memory"
		}
		s, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		store = s
	case "sqlite":
		path := cfg.Persistence.Path
		if path == "" {
			path = "data/memory.db"
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown memory backend: %q", cfg.Persistence.Backend)
	}

	return &Manager{
		cfg:           cfg,
		store:         store,
		models:        make(map[string]*ModelMemory),
		conversations: make(map[string]*ConversationMemory),
		meta:          newMetaMemory(),
	}, nil
}

// ModelMemory returns the learning memory for an agent, creating it on
// first use.
func (m *Manager) ModelMemory(agentID string) *ModelMemory {
	m.mu.RLock()
	mm := m.models[agentID]
	m.mu.RUnlock()
	if mm != nil {
		return mm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mm = m.models[agentID]; mm == nil {
		mm = newModelMemory(agentID, m.cfg.Learning)
		m.models[agentID] = mm
	}
	return mm
}

// Conversation returns the conversation memory for a session, creating
// it on first use.
func (m *Manager) Conversation(sessionID string) *ConversationMemory {
	m.mu.RLock()
	cm := m.conversations[sessionID]
	m.mu.RUnlock()
	if cm != nil {
		return cm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cm = m.conversations[sessionID]; cm == nil {
		cm = newConversationMemory(sessionID, m.cfg.Conversation.WindowSize)
		m.conversations[sessionID] = cm
	}
	return cm
}

// DropConversation frees a session's conversation memory. The next Save
// drops it from the store as well.
func (m *Manager) DropConversation(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, sessionID)
}

// Meta returns the process-wide meta memory.
func (m *Manager) Meta() *MetaMemory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

// PromptDocument returns the opaque prompt-assembler state carried
// through persistence.
func (m *Manager) PromptDocument() json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prompts
}

// SetPromptDocument stages the prompt-assembler state for the next Save.
func (m *Manager) SetPromptDocument(doc json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = doc
}

// Load replaces in-memory state with the stored snapshot. Call once at
// startup, before handing out tier references.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.models = make(map[string]*ModelMemory, len(snap.Models))
	for id, ms := range snap.Models {
		m.models[id] = newModelMemoryFromSnapshot(ms, m.cfg.Learning)
	}
	m.conversations = make(map[string]*ConversationMemory, len(snap.Conversations))
	for id, cs := range snap.Conversations {
		m.conversations[id] = newConversationMemoryFromSnapshot(cs, m.cfg.Conversation.WindowSize)
	}
	if snap.Meta != nil {
		m.meta = newMetaMemoryFromSnapshot(snap.Meta)
	}
	m.prompts = snap.Prompts
	return nil
}

// Snapshot captures the full state, trimming conversations to the most
// recently active sessions per the retention config.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	models := make([]*ModelMemory, 0, len(m.models))
	for _, mm := range m.models {
		models = append(models, mm)
	}
	conversations := make([]*ConversationMemory, 0, len(m.conversations))
	for _, cm := range m.conversations {
		conversations = append(conversations, cm)
	}
	meta := m.meta
	prompts := m.prompts
	retain := m.cfg.Persistence.RetainSessions
	m.mu.RUnlock()

	snap := &Snapshot{
		Models:  make(map[string]*ModelSnapshot, len(models)),
		Meta:    meta.Snapshot(),
		Prompts: prompts,
	}
	for _, mm := range models {
		snap.Models[mm.AgentID()] = mm.Snapshot()
	}

	sort.Slice(conversations, func(i, j int) bool {
		a, b := conversations[i].LastActivity(), conversations[j].LastActivity()
		if a.Equal(b) {
			return conversations[i].SessionID() < conversations[j].SessionID()
		}
		return a.After(b)
	})
	if retain > 0 && len(conversations) > retain {
		conversations = conversations[:retain]
	}
	snap.Conversations = make(map[string]*ConversationSnapshot, len(conversations))
	for _, cm := range conversations {
		snap.Conversations[cm.SessionID()] = cm.Snapshot()
	}
	return snap
}

// Save writes the current snapshot through the store. A manager without
// a persistence backend saves nothing.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Close saves a final snapshot and releases the store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	saveErr := m.Save(context.Background())
	if err := m.store.Close(); err != nil {
		return err
	}
	return saveErr
}
