package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.cfg.Learning.LearningRate != 0.1 || m.cfg.Learning.DiscountFactor != 0.9 {
		t.Errorf("learning defaults = %+v", m.cfg.Learning)
	}
	if m.cfg.Learning.RetainLogs != 100 || m.cfg.Learning.RetainStructured != 500 {
		t.Errorf("retention defaults = %+v", m.cfg.Learning)
	}
	if m.cfg.Conversation.WindowSize != 20 {
		t.Errorf("window size = %d, want 20", m.cfg.Conversation.WindowSize)
	}
	if m.cfg.Persistence.RetainSessions != 50 {
		t.Errorf("retain sessions = %d, want 50", m.cfg.Persistence.RetainSessions)
	}

	// No backend configured: persistence is a no-op.
	if err := m.Save(context.Background()); err != nil {
		t.Errorf("Save without backend: %v", err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Errorf("Load without backend: %v", err)
	}
}

func TestNewManager_UnknownBackend(t *testing.T) {
	_, err := NewManager(Config{Persistence: PersistenceConfig{Backend: "redis"}})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestManager_TierIdentity(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if m.ModelMemory("alpha") != m.ModelMemory("alpha") {
		t.Error("same agent should share one model memory")
	}
	if m.ModelMemory("alpha") == m.ModelMemory("bravo") {
		t.Error("different agents should get distinct model memories")
	}
	if m.Conversation("s1") != m.Conversation("s1") {
		t.Error("same session should share one conversation memory")
	}

	before := m.Conversation("s1")
	m.DropConversation("s1")
	if m.Conversation("s1") == before {
		t.Error("dropped conversation should be recreated fresh")
	}
}

func TestManager_FileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Persistence: PersistenceConfig{Backend: "file", Path: dir}}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.ModelMemory("alpha").AddTrait("curiosity", "high", 0.9)
	m.Conversation("sess-1").AddMessage("alpha", "talk about databases")
	m.Meta().AddSharedFact("deadline moved", 1, []string{"alpha"})
	goalID := m.Meta().AddGoal("ship", GoalShortTerm)
	m.SetPromptDocument(json.RawMessage(`{"version":3}`))

	if err := m.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, name := range []string{modelMemoriesFile, conversationMemoriesFile, metaMemoryFile, promptsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	reloaded, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if reloaded.ModelMemory("alpha").Traits()["curiosity"].Value != "high" {
		t.Errorf("traits = %+v", reloaded.ModelMemory("alpha").Traits())
	}
	if reloaded.Conversation("sess-1").Participants()["alpha"].Messages != 1 {
		t.Errorf("participants = %+v", reloaded.Conversation("sess-1").Participants())
	}
	if facts := reloaded.Meta().Facts(); len(facts) != 1 || facts[0].Fact != "deadline moved" {
		t.Errorf("facts = %+v", facts)
	}
	if goals := reloaded.Meta().ActiveGoals(); len(goals) != 1 || goals[0].ID != goalID {
		t.Errorf("goals = %+v", goals)
	}
	if string(reloaded.PromptDocument()) != `{"version":3}` {
		t.Errorf("prompt document = %s", reloaded.PromptDocument())
	}
}

func TestManager_FileLoadEmptyDir(t *testing.T) {
	m, err := NewManager(Config{Persistence: PersistenceConfig{Backend: "file", Path: t.TempDir()}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load on fresh dir: %v", err)
	}
	if m.Meta() == nil {
		t.Fatal("meta memory missing after empty load")
	}
}

func TestManager_SnapshotTrimsSessions(t *testing.T) {
	m, err := NewManager(Config{Persistence: PersistenceConfig{RetainSessions: 2}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		cm := m.Conversation(id)
		at := base.Add(time.Duration(i) * time.Hour)
		cm.now = func() time.Time { return at }
		cm.AddMessage("alpha", "hello")
	}

	snap := m.Snapshot()
	if len(snap.Conversations) != 2 {
		t.Fatalf("retained %d conversations, want 2", len(snap.Conversations))
	}
	if _, ok := snap.Conversations["old"]; ok {
		t.Error("oldest session should have been trimmed")
	}
	for _, id := range []string{"mid", "new"} {
		if _, ok := snap.Conversations[id]; !ok {
			t.Errorf("session %s missing from snapshot", id)
		}
	}
}
