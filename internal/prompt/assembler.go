// Package prompt assembles per-agent system prompts from three layers:
// a collective prompt shared by every agent, an optional scenario
// template picked by the orchestrator, and an individual prompt fed
// from the agent's profile and model memory. Templates may be loaded
// from a directory and hot-reloaded while the server runs.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MaxPromptLength caps assembled prompts; anything longer fails
// validation before it reaches a provider.
const MaxPromptLength = 10000

// Scenario names accepted by Assemble.
const (
	ScenarioConsensus     = "consensus"
	ScenarioCreativity    = "creativity"
	ScenarioAnalysis      = "analysis"
	ScenarioLearning      = "learning"
	ScenarioCollaboration = "collaboration"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*\w+\s*\}\}`)

// Config controls template loading and hot reload.
type Config struct {
	Dir             string `yaml:"dir" json:"dir"`
	Watch           bool   `yaml:"watch" json:"watch"`
	WatchDebounceMs int    `yaml:"watch_debounce_ms" json:"watch_debounce_ms"`
}

// CollectiveInputs fills the shared prompt layer from meta and
// conversation memory.
type CollectiveInputs struct {
	UserContext     string
	CurrentGoals    string
	SharedKnowledge string
	SessionContext  string
}

// IndividualInputs fills the per-agent prompt layer.
type IndividualInputs struct {
	AgentName           string
	Role                string
	Expertise           string
	Style               string
	PersonalityTraits   string
	Preferences         string
	EmotionalState      string
	SpecialInstructions string
}

// HistoryEntry is one assembled prompt kept in the per-agent history.
type HistoryEntry struct {
	Version int       `json:"version"`
	Prompt  string    `json:"prompt"`
	At      time.Time `json:"at"`
}

// Assembler renders system prompts and tracks template versions. Safe
// for concurrent use.
type Assembler struct {
	mu         sync.RWMutex
	cfg        Config
	collective string
	individual string
	scenarios  map[string]string
	version    int
	history    map[string][]HistoryEntry
	logger     *slog.Logger

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel func()
	watchWg     sync.WaitGroup

	now func() time.Time
}

// NewAssembler starts from the built-in templates and overlays any
// found in cfg.Dir.
func NewAssembler(cfg Config) (*Assembler, error) {
	a := &Assembler{
		cfg:        cfg,
		collective: defaultCollective,
		individual: defaultIndividual,
		scenarios:  defaultScenarios(),
		version:    1,
		history:    make(map[string][]HistoryEntry),
		logger:     slog.Default().With("component", "prompt"),
		now:        time.Now,
	}
	if cfg.Dir != "" {
		if err := a.loadDir(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Version returns the current template version. It bumps on every
// template change, including hot reloads.
func (a *Assembler) Version() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// SetCollective replaces the shared prompt template.
func (a *Assembler) SetCollective(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collective = text
	a.version++
}

// SetIndividual replaces the per-agent prompt template.
func (a *Assembler) SetIndividual(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.individual = text
	a.version++
}

// SetScenario adds or replaces a scenario template.
func (a *Assembler) SetScenario(name, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scenarios[name] = text
	a.version++
}

// Scenarios lists the available scenario names sorted alphabetically.
func (a *Assembler) Scenarios() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.scenarios))
	for name := range a.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Assemble renders the final system prompt for one agent: collective
// layer, optional scenario, then the individual layer. Placeholders
// without a value are stripped. The result is validated and appended to
// the agent's history.
func (a *Assembler) Assemble(agentID, scenario string, col CollectiveInputs, ind IndividualInputs) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parts := []string{substitute(a.collective, map[string]string{
		"userContext":     col.UserContext,
		"currentGoals":    col.CurrentGoals,
		"sharedKnowledge": col.SharedKnowledge,
		"sessionContext":  col.SessionContext,
	})}

	if scenario != "" {
		tmpl, ok := a.scenarios[scenario]
		if !ok {
			return "", fmt.Errorf("unknown scenario: %s", scenario)
		}
		parts = append(parts, tmpl)
	}

	parts = append(parts, substitute(a.individual, map[string]string{
		"agentName":           ind.AgentName,
		"role":                ind.Role,
		"expertise":           ind.Expertise,
		"style":               ind.Style,
		"personalityTraits":   ind.PersonalityTraits,
		"preferences":         ind.Preferences,
		"emotionalState":      ind.EmotionalState,
		"specialInstructions": ind.SpecialInstructions,
	}))

	out := strings.Join(parts, "\n\n")
	out = placeholderPattern.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)

	if err := Validate(out); err != nil {
		return "", err
	}

	a.history[agentID] = append(a.history[agentID], HistoryEntry{
		Version: a.version,
		Prompt:  out,
		At:      a.now(),
	})
	return out, nil
}

// History returns a copy of the prompts assembled for an agent, oldest
// first.
func (a *Assembler) History(agentID string) []HistoryEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]HistoryEntry(nil), a.history[agentID]...)
}

// Validate rejects prompts that are too long or still contain
// placeholder markers.
func Validate(prompt string) error {
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("prompt length %d exceeds %d", len(prompt), MaxPromptLength)
	}
	if m := placeholderPattern.FindString(prompt); m != "" {
		return fmt.Errorf("prompt contains unresolved placeholder %s", m)
	}
	return nil
}

// document is the persisted shape carried in the prompts store document.
type document struct {
	Version    int                       `json:"version"`
	Collective string                    `json:"collective"`
	Individual string                    `json:"individual"`
	Scenarios  map[string]string         `json:"scenarios,omitempty"`
	History    map[string][]HistoryEntry `json:"history,omitempty"`
}

// Document serializes templates, version, and history for persistence.
func (a *Assembler) Document() (json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	doc := document{
		Version:    a.version,
		Collective: a.collective,
		Individual: a.individual,
		Scenarios:  make(map[string]string, len(a.scenarios)),
		History:    make(map[string][]HistoryEntry, len(a.history)),
	}
	for name, text := range a.scenarios {
		doc.Scenarios[name] = text
	}
	for agentID, entries := range a.history {
		doc.History[agentID] = append([]HistoryEntry(nil), entries...)
	}
	return json.Marshal(doc)
}

// RestoreDocument replaces the assembler state from a persisted
// document. An empty document is a no-op.
func (a *Assembler) RestoreDocument(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse prompt document: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if doc.Version > 0 {
		a.version = doc.Version
	}
	if doc.Collective != "" {
		a.collective = doc.Collective
	}
	if doc.Individual != "" {
		a.individual = doc.Individual
	}
	for name, text := range doc.Scenarios {
		a.scenarios[name] = text
	}
	for agentID, entries := range doc.History {
		a.history[agentID] = append([]HistoryEntry(nil), entries...)
	}
	return nil
}

func substitute(template string, values map[string]string) string {
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
