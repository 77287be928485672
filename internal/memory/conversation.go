package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// activeTopicWindow bounds how far back a topic's lastSeen may be for it
// to count as part of the current conversational context.
const activeTopicWindow = 5 * time.Minute

// ConversationMessage is one timeline entry.
type ConversationMessage struct {
	AgentID string    `json:"agent_id"`
	Text    string    `json:"text"`
	Topics  []string  `json:"topics,omitempty"`
	At      time.Time `json:"at"`
}

// Topic tracks how often and how deeply a subject has come up.
type Topic struct {
	Count     int       `json:"count"`
	Depth     float64   `json:"depth"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Participant tracks a speaker's activity within the session.
type Participant struct {
	Messages int             `json:"messages"`
	Topics   map[string]bool `json:"topics,omitempty"`
}

// ConversationContext is the working context handed to prompt assembly:
// the recent window, topics still hot, and topics worn out enough that
// agents should steer away from them.
type ConversationContext struct {
	Messages      []ConversationMessage `json:"messages,omitempty"`
	ActiveTopics  []string              `json:"active_topics,omitempty"`
	AvoidedTopics []string              `json:"avoided_topics,omitempty"`
}

// ConversationSnapshot is the serialized form of a ConversationMemory.
// The context window is rebuilt from the timeline tail on restore.
type ConversationSnapshot struct {
	SessionID    string                  `json:"session_id"`
	Participants map[string]*Participant `json:"participants,omitempty"`
	Topics       map[string]*Topic       `json:"topics,omitempty"`
	Timeline     []ConversationMessage   `json:"timeline,omitempty"`
	Avoided      []string                `json:"avoided,omitempty"`
	LastActivity time.Time               `json:"last_activity"`
}

// ConversationMemory is the per-session tier: who said what, which topics
// keep coming up, and which are exhausted. Safe for concurrent use.
type ConversationMemory struct {
	mu           sync.Mutex
	sessionID    string
	windowSize   int
	participants map[string]*Participant
	topics       map[string]*Topic
	timeline     []ConversationMessage
	window       []ConversationMessage
	avoided      map[string]bool
	lastActivity time.Time

	now func() time.Time
}

func newConversationMemory(sessionID string, windowSize int) *ConversationMemory {
	if windowSize <= 0 {
		windowSize = defaultContextWindow
	}
	return &ConversationMemory{
		sessionID:    sessionID,
		windowSize:   windowSize,
		participants: make(map[string]*Participant),
		topics:       make(map[string]*Topic),
		avoided:      make(map[string]bool),
		now:          time.Now,
	}
}

func newConversationMemoryFromSnapshot(snap *ConversationSnapshot, windowSize int) *ConversationMemory {
	c := newConversationMemory(snap.SessionID, windowSize)
	for id, p := range snap.Participants {
		cp := &Participant{Messages: p.Messages, Topics: make(map[string]bool, len(p.Topics))}
		for topic := range p.Topics {
			cp.Topics[topic] = true
		}
		c.participants[id] = cp
	}
	for name, t := range snap.Topics {
		copied := *t
		c.topics[name] = &copied
	}
	c.timeline = append(c.timeline, snap.Timeline...)
	c.window = tail(c.timeline, c.windowSize)
	for _, name := range snap.Avoided {
		c.avoided[name] = true
	}
	c.lastActivity = snap.LastActivity
	return c
}

// SessionID returns the session this memory belongs to.
func (c *ConversationMemory) SessionID() string { return c.sessionID }

// AddMessage ingests one utterance: topics are extracted, participant and
// topic statistics updated, and the message appended to the timeline and
// the bounded context window.
func (c *ConversationMemory) AddMessage(agentID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	topics := ExtractTopics(text)

	p := c.participants[agentID]
	if p == nil {
		p = &Participant{Topics: make(map[string]bool)}
		c.participants[agentID] = p
	}
	p.Messages++
	for _, name := range topics {
		p.Topics[name] = true

		t := c.topics[name]
		if t == nil {
			t = &Topic{FirstSeen: now}
			c.topics[name] = t
		}
		t.Count++
		t.LastSeen = now
		t.Depth = math.Min(5, t.Depth+0.2)
	}

	msg := ConversationMessage{AgentID: agentID, Text: text, Topics: topics, At: now}
	c.timeline = append(c.timeline, msg)
	c.window = append(c.window, msg)
	if len(c.window) > c.windowSize {
		c.window = c.window[1:]
	}
	c.lastActivity = now

	// Once a topic crosses the exhaustion threshold it stays avoided
	// for the rest of the session.
	for name, t := range c.topics {
		if t.Count > 5 && t.Depth > 3 {
			c.avoided[name] = true
		}
	}
}

// ShouldAvoidTopic reports whether a topic is exhausted or merely
// over-discussed.
func (c *ConversationMemory) ShouldAvoidTopic(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.ToLower(name)
	if c.avoided[name] {
		return true
	}
	t := c.topics[name]
	return t != nil && t.Count > 3
}

// GetContext returns the last limit window entries (the whole window when
// limit <= 0), topics mentioned within the active window, and the avoided
// set, each in deterministic order.
func (c *ConversationMemory) GetContext(limit int) ConversationContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := c.window
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	now := c.now()
	var active []string
	for name, t := range c.topics {
		if now.Sub(t.LastSeen) <= activeTopicWindow {
			active = append(active, name)
		}
	}
	sort.Strings(active)

	avoided := make([]string, 0, len(c.avoided))
	for name := range c.avoided {
		avoided = append(avoided, name)
	}
	sort.Strings(avoided)

	return ConversationContext{
		Messages:      append([]ConversationMessage(nil), messages...),
		ActiveTopics:  active,
		AvoidedTopics: avoided,
	}
}

// Participants returns a copy of the participant statistics.
func (c *ConversationMemory) Participants() map[string]Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Participant, len(c.participants))
	for id, p := range c.participants {
		topics := make(map[string]bool, len(p.Topics))
		for name := range p.Topics {
			topics[name] = true
		}
		out[id] = Participant{Messages: p.Messages, Topics: topics}
	}
	return out
}

// TopicStats returns a copy of the tracked topic statistics.
func (c *ConversationMemory) TopicStats() map[string]Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Topic, len(c.topics))
	for name, t := range c.topics {
		out[name] = *t
	}
	return out
}

// LastActivity returns the time of the most recent message.
func (c *ConversationMemory) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Snapshot serializes the full conversation state.
func (c *ConversationMemory) Snapshot() *ConversationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &ConversationSnapshot{
		SessionID:    c.sessionID,
		Participants: make(map[string]*Participant, len(c.participants)),
		Topics:       make(map[string]*Topic, len(c.topics)),
		Timeline:     append([]ConversationMessage(nil), c.timeline...),
		LastActivity: c.lastActivity,
	}
	for id, p := range c.participants {
		cp := &Participant{Messages: p.Messages, Topics: make(map[string]bool, len(p.Topics))}
		for name := range p.Topics {
			cp.Topics[name] = true
		}
		snap.Participants[id] = cp
	}
	for name, t := range c.topics {
		copied := *t
		snap.Topics[name] = &copied
	}
	for name := range c.avoided {
		snap.Avoided = append(snap.Avoided, name)
	}
	sort.Strings(snap.Avoided)
	return snap
}

var hashtagPattern = regexp.MustCompile(`#\w+`)

// topicCues are words that signal the next token names a subject.
var topicCues = map[string]bool{
	"about":      true,
	"regarding":  true,
	"discuss":    true,
	"discussing": true,
	"discussed":  true,
	"explore":    true,
	"exploring":  true,
	"explored":   true,
}

var topicStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"it": true, "my": true, "our": true, "your": true, "how": true,
	"what": true, "why": true, "to": true, "of": true,
}

// ExtractTopics pulls topic candidates out of a message: hashtags
// (lower-cased, without the marker), tokens following a cue word such as
// "about" or "discussing", and capitalized bigrams joined with an
// underscore. The result is deduplicated in first-seen order.
func ExtractTopics(text string) []string {
	var topics []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		topics = append(topics, name)
	}

	for _, tag := range hashtagPattern.FindAllString(text, -1) {
		add(strings.ToLower(strings.TrimPrefix(tag, "#")))
	}

	tokens := strings.Fields(text)
	for i, token := range tokens {
		if topicCues[normalizeToken(token)] && i+1 < len(tokens) {
			next := normalizeToken(tokens[i+1])
			if next != "" && !topicStopwords[next] && !strings.HasPrefix(tokens[i+1], "#") {
				add(next)
			}
		}
	}

	for i := 0; i+1 < len(tokens); i++ {
		first := strings.Trim(tokens[i], topicTrimSet)
		second := strings.Trim(tokens[i+1], topicTrimSet)
		if isCapitalizedWord(first) && isCapitalizedWord(second) {
			add(strings.ToLower(first + "_" + second))
		}
	}

	return topics
}

const topicTrimSet = ".,!?;:()[]{}\"'"

func normalizeToken(token string) string {
	return strings.ToLower(strings.Trim(token, topicTrimSet))
}

// isCapitalizedWord reports whether a token looks like part of a proper
// noun: leading uppercase, at least two letters.
func isCapitalizedWord(token string) bool {
	runes := []rune(token)
	if len(runes) < 2 {
		return false
	}
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && r != '-' {
			return false
		}
	}
	return true
}
