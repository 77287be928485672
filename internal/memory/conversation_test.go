package memory

import (
	"reflect"
	"testing"
	"time"
)

func TestExtractTopics(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "cue word",
			text: "Let's talk about quantum computing",
			want: []string{"quantum"},
		},
		{
			name: "hashtags",
			text: "#AI and #MachineLearning are here",
			want: []string{"ai", "machinelearning"},
		},
		{
			name: "cue plus capitalized bigram",
			text: "We should discuss Climate Change today",
			want: []string{"climate", "climate_change"},
		},
		{
			name: "cue followed by stopword",
			text: "exploring the ocean",
			want: nil,
		},
		{
			name: "hashtag after cue counted once",
			text: "Tell me about #space",
			want: []string{"space"},
		},
		{
			name: "deduplicated",
			text: "More about Python and Python Programming",
			want: []string{"python", "python_programming"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractTopics(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractTopics(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestConversationMemory_AddMessage(t *testing.T) {
	c := newConversationMemory("sess-1", 0)

	c.AddMessage("alpha", "Let's talk about databases")
	c.AddMessage("alpha", "More about databases please")
	c.AddMessage("bravo", "I prefer talking about caching")

	participants := c.Participants()
	if participants["alpha"].Messages != 2 || participants["bravo"].Messages != 1 {
		t.Errorf("participants = %+v", participants)
	}
	if !participants["alpha"].Topics["databases"] {
		t.Errorf("alpha topics = %v", participants["alpha"].Topics)
	}

	topics := c.TopicStats()
	db := topics["databases"]
	if db.Count != 2 {
		t.Errorf("databases count = %d, want 2", db.Count)
	}
	if !almostEqual(db.Depth, 0.4) {
		t.Errorf("databases depth = %v, want 0.4", db.Depth)
	}
	if db.FirstSeen.IsZero() || db.LastSeen.Before(db.FirstSeen) {
		t.Errorf("seen stamps = %v / %v", db.FirstSeen, db.LastSeen)
	}
}

func TestConversationMemory_WindowBounded(t *testing.T) {
	c := newConversationMemory("sess-1", 3)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		c.AddMessage("alpha", text)
	}

	got := c.GetContext(0)
	if len(got.Messages) != 3 {
		t.Fatalf("window length = %d, want 3", len(got.Messages))
	}
	if got.Messages[0].Text != "three" || got.Messages[2].Text != "five" {
		t.Errorf("window = %q..%q, want three..five", got.Messages[0].Text, got.Messages[2].Text)
	}

	limited := c.GetContext(2)
	if len(limited.Messages) != 2 || limited.Messages[0].Text != "four" {
		t.Errorf("limited window = %+v", limited.Messages)
	}
}

func TestConversationMemory_AvoidedTopics(t *testing.T) {
	c := newConversationMemory("sess-1", 0)

	// Depth climbs 0.2 per mention; 16 mentions pushes past both
	// thresholds (count > 5, depth > 3).
	for i := 0; i < 16; i++ {
		c.AddMessage("alpha", "again about testing")
	}

	if !c.ShouldAvoidTopic("testing") {
		t.Error("exhausted topic should be avoided")
	}
	got := c.GetContext(0)
	if len(got.AvoidedTopics) != 1 || got.AvoidedTopics[0] != "testing" {
		t.Errorf("avoided = %v", got.AvoidedTopics)
	}
}

func TestConversationMemory_ShouldAvoidOverdiscussed(t *testing.T) {
	c := newConversationMemory("sess-1", 0)

	for i := 0; i < 4; i++ {
		c.AddMessage("alpha", "thoughts about kubernetes")
	}

	if !c.ShouldAvoidTopic("kubernetes") {
		t.Error("topic mentioned more than three times should be avoided")
	}
	if !c.ShouldAvoidTopic("Kubernetes") {
		t.Error("avoidance check should be case-insensitive")
	}
	if c.ShouldAvoidTopic("caching") {
		t.Error("unknown topic should not be avoided")
	}

	// Not yet exhausted, so it stays out of the cumulative avoided set.
	if got := c.GetContext(0); len(got.AvoidedTopics) != 0 {
		t.Errorf("avoided = %v, want none", got.AvoidedTopics)
	}
}

func TestConversationMemory_ActiveTopics(t *testing.T) {
	c := newConversationMemory("sess-1", 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	c.AddMessage("alpha", "talk about databases")

	c.now = func() time.Time { return base.Add(10 * time.Minute) }
	c.AddMessage("bravo", "now about caching")

	got := c.GetContext(0)
	if len(got.ActiveTopics) != 1 || got.ActiveTopics[0] != "caching" {
		t.Errorf("active topics = %v, want [caching]", got.ActiveTopics)
	}
}

func TestConversationMemory_SnapshotRoundtrip(t *testing.T) {
	c := newConversationMemory("sess-1", 3)
	for _, text := range []string{"one", "two about databases", "three", "four"} {
		c.AddMessage("alpha", text)
	}

	snap := c.Snapshot()
	if snap.SessionID != "sess-1" {
		t.Errorf("session id = %q", snap.SessionID)
	}
	if len(snap.Timeline) != 4 {
		t.Errorf("timeline length = %d, want 4", len(snap.Timeline))
	}

	restored := newConversationMemoryFromSnapshot(snap, 3)
	got := restored.GetContext(0)
	if len(got.Messages) != 3 || got.Messages[0].Text != "two about databases" {
		t.Errorf("restored window = %+v", got.Messages)
	}
	if restored.TopicStats()["databases"].Count != 1 {
		t.Errorf("restored topics = %+v", restored.TopicStats())
	}
	if restored.Participants()["alpha"].Messages != 4 {
		t.Errorf("restored participants = %+v", restored.Participants())
	}
	if !restored.LastActivity().Equal(c.LastActivity()) {
		t.Errorf("last activity = %v, want %v", restored.LastActivity(), c.LastActivity())
	}
}
