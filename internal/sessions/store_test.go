package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

func twoAgents() []models.Agent {
	return []models.Agent{
		{ID: "agent-ada", Name: "Ada", Provider: "mock", Model: "alpha"},
		{ID: "agent-bram", Name: "Bram", Provider: "mock", Model: "alpha"},
	}
}

// tick installs a movable clock on the store and returns an advance func.
func tick(s *Store, start time.Time) func(time.Duration) {
	now := start
	s.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestStoreStartCreatesSession(t *testing.T) {
	store := NewStore(Config{})
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick(store, start)

	created := store.Start("s1", "u1", "compilers", twoAgents())
	if created.ID != "s1" || created.UserID != "u1" || created.Topic != "compilers" {
		t.Fatalf("Start() = %+v, want id s1 user u1 topic compilers", created)
	}
	if !created.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", created.StartedAt, start)
	}

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Agents) != 2 || got.Agents[0].Name != "Ada" {
		t.Errorf("Agents = %+v, want the two configured agents", got.Agents)
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStoreStartGeneratesID(t *testing.T) {
	store := NewStore(Config{})

	first := store.Start("", "u1", "", nil)
	second := store.Start("", "u1", "", nil)
	if first.ID == "" || second.ID == "" {
		t.Fatal("expected generated session ids")
	}
	if first.ID == second.ID {
		t.Errorf("generated ids collide: %q", first.ID)
	}
}

func TestStoreStartRefreshesExisting(t *testing.T) {
	store := NewStore(Config{})
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := tick(store, start)

	store.Start("s1", "u1", "compilers", twoAgents())
	if err := store.AppendTurn("s1", models.UserTurn("hello")); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	advance(time.Minute)
	refreshed := store.Start("s1", "u1", "linkers", twoAgents()[:1])
	if refreshed.Topic != "linkers" {
		t.Errorf("Topic = %q, want %q", refreshed.Topic, "linkers")
	}
	if len(refreshed.Agents) != 1 {
		t.Errorf("Agents = %d, want 1 after refresh", len(refreshed.Agents))
	}
	if len(refreshed.Turns) != 1 {
		t.Errorf("Turns = %d, want history to survive a restart", len(refreshed.Turns))
	}
	if !refreshed.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want original %v", refreshed.StartedAt, start)
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStoreEnsure(t *testing.T) {
	store := NewStore(Config{})
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := tick(store, start)

	created := store.Ensure("s1", "u1", twoAgents())
	if created.ID != "s1" || len(created.Agents) != 2 {
		t.Fatalf("Ensure() = %+v, want new session with 2 agents", created)
	}

	advance(time.Minute)
	again := store.Ensure("s1", "u1", nil)
	if !again.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want original %v", again.StartedAt, start)
	}
	if len(again.Agents) != 2 {
		t.Errorf("Agents = %d, want participant set kept when none are given", len(again.Agents))
	}
	if !again.LastActivity.Equal(start.Add(time.Minute)) {
		t.Errorf("LastActivity = %v, want %v", again.LastActivity, start.Add(time.Minute))
	}

	swapped := store.Ensure("s1", "u1", twoAgents()[:1])
	if len(swapped.Agents) != 1 {
		t.Errorf("Agents = %d, want refresh when a new list is given", len(swapped.Agents))
	}
}

func TestStoreAppendTurnAndHistory(t *testing.T) {
	store := NewStore(Config{})
	store.Ensure("s1", "u1", nil)

	if err := store.AppendTurn("missing", models.UserTurn("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendTurn(missing) error = %v, want ErrNotFound", err)
	}

	turns := []models.ChatTurn{
		models.UserTurn("hello"),
		models.AssistantTurn("Ada", "hi there"),
		models.UserTurn("how are you"),
	}
	for _, turn := range turns {
		if err := store.AppendTurn("s1", turn); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	full := store.History("s1", 0)
	if len(full) != 3 {
		t.Fatalf("History(0) returned %d turns, want 3", len(full))
	}
	if full[0].Content != "hello" || full[2].Content != "how are you" {
		t.Errorf("History order = [%q ... %q], want oldest first", full[0].Content, full[2].Content)
	}

	tail := store.History("s1", 2)
	if len(tail) != 2 || tail[0].Content != "hi there" {
		t.Errorf("History(2) = %+v, want the two most recent turns", tail)
	}

	// Returned slices are snapshots.
	full[0].Content = "mutated"
	if again := store.History("s1", 0); again[0].Content != "hello" {
		t.Errorf("stored turn = %q, want mutation of a snapshot to be invisible", again[0].Content)
	}

	if got := store.History("missing", 0); got != nil {
		t.Errorf("History(missing) = %v, want nil", got)
	}
}

func TestStoreTrimsTurnHistory(t *testing.T) {
	store := NewStore(Config{MaxTurns: 5})
	store.Ensure("s1", "u1", nil)

	for i := 0; i < 8; i++ {
		if err := store.AppendTurn("s1", models.UserTurn(fmt.Sprintf("turn-%d", i))); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	history := store.History("s1", 0)
	if len(history) != 5 {
		t.Fatalf("History() returned %d turns, want 5", len(history))
	}
	if history[0].Content != "turn-3" || history[4].Content != "turn-7" {
		t.Errorf("History = [%q ... %q], want the 5 most recent turns", history[0].Content, history[4].Content)
	}
}

func TestStoreSessionsForUser(t *testing.T) {
	store := NewStore(Config{})
	store.Ensure("s2", "u1", nil)
	store.Ensure("s1", "u1", nil)
	store.Ensure("s3", "u2", nil)

	got := store.SessionsForUser("u1")
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("SessionsForUser(u1) = %v, want [s1 s2]", got)
	}
	if got := store.SessionsForUser("stranger"); got != nil {
		t.Errorf("SessionsForUser(stranger) = %v, want nil", got)
	}

	store.End("s1")
	if got := store.SessionsForUser("u1"); len(got) != 1 || got[0] != "s2" {
		t.Errorf("SessionsForUser(u1) after End = %v, want [s2]", got)
	}
	store.End("s2")
	if got := store.SessionsForUser("u1"); got != nil {
		t.Errorf("SessionsForUser(u1) after ending all = %v, want nil", got)
	}
}

func TestStoreList(t *testing.T) {
	store := NewStore(Config{})
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := tick(store, start)

	store.Start("s1", "u1", "compilers", twoAgents())
	advance(time.Minute)
	store.Start("s2", "u2", "gardens", nil)
	advance(time.Minute)
	if err := store.AppendTurn("s1", models.UserTurn("hello")); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	infos := store.List()
	if len(infos) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(infos))
	}
	if infos[0].ID != "s1" || infos[1].ID != "s2" {
		t.Errorf("List order = [%s %s], want most recently active first", infos[0].ID, infos[1].ID)
	}
	if infos[0].Topic != "compilers" || infos[0].TurnCount != 1 {
		t.Errorf("Info = %+v, want topic compilers and 1 turn", infos[0])
	}
	if len(infos[0].Agents) != 2 || infos[0].Agents[0].Name != "Ada" {
		t.Errorf("Info.Agents = %+v, want agent refs", infos[0].Agents)
	}
}

func TestStoreSweep(t *testing.T) {
	t.Run("expires idle sessions", func(t *testing.T) {
		store := NewStore(Config{IdleTimeout: 10 * time.Minute})
		advance := tick(store, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

		store.Ensure("s1", "u1", nil)
		store.Ensure("s2", "u2", nil)

		advance(5 * time.Minute)
		store.Touch("s1")

		advance(5 * time.Minute)
		if expired := store.Sweep(); expired != 1 {
			t.Fatalf("Sweep() = %d, want 1", expired)
		}
		if _, err := store.Get("s2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(s2) error = %v, want ErrNotFound", err)
		}
		if _, err := store.Get("s1"); err != nil {
			t.Errorf("Get(s1) error = %v, want the touched session to survive", err)
		}
		if got := store.SessionsForUser("u2"); got != nil {
			t.Errorf("SessionsForUser(u2) = %v, want nil after expiry", got)
		}
	})

	t.Run("negative timeout disables expiry", func(t *testing.T) {
		store := NewStore(Config{IdleTimeout: -1})
		advance := tick(store, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

		store.Ensure("s1", "u1", nil)
		advance(24 * time.Hour)
		if expired := store.Sweep(); expired != 0 {
			t.Fatalf("Sweep() = %d, want 0", expired)
		}
		if store.Count() != 1 {
			t.Errorf("Count() = %d, want 1", store.Count())
		}
	})
}

func TestStoreAcquireSerializes(t *testing.T) {
	store := NewStore(Config{})
	store.Ensure("s1", "u1", nil)

	release, err := store.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := store.Acquire(context.Background(), "s1")
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while the lock was held")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not proceed after release")
	}

	// Double release must not poison the lock.
	release()
	third, err := store.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("third Acquire() error = %v", err)
	}
	third()
}

func TestStoreAcquireCancelled(t *testing.T) {
	store := NewStore(Config{})
	release, err := store.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := store.Acquire(ctx, "s1")
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
}

func TestStoreAcquireIndependentSessions(t *testing.T) {
	store := NewStore(Config{})

	releaseA, err := store.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire(s1) error = %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := store.Acquire(ctx, "s2")
	if err != nil {
		t.Fatalf("Acquire(s2) error = %v, want no contention across sessions", err)
	}
	releaseB()
}

func TestStoreMetricsGauge(t *testing.T) {
	metrics := observability.NewMetrics()
	store := NewStore(Config{IdleTimeout: 10 * time.Minute, Metrics: metrics})
	advance := tick(store, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	store.Ensure("s1", "u1", nil)
	store.Ensure("s2", "u2", nil)
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != 2 {
		t.Fatalf("ActiveSessions = %v, want 2", got)
	}

	store.End("s1")
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != 1 {
		t.Errorf("ActiveSessions after End = %v, want 1", got)
	}

	advance(time.Hour)
	if expired := store.Sweep(); expired != 1 {
		t.Fatalf("Sweep() = %d, want 1", expired)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != 0 {
		t.Errorf("ActiveSessions after Sweep = %v, want 0", got)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()
	store := NewStore(Config{})
	store.Ensure("s1", "u1", twoAgents())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = store.AppendTurn("s1", models.UserTurn("msg"))
		}
	}()

	for i := 0; i < 100; i++ {
		_, _ = store.Get("s1")
		_ = store.History("s1", 10)
		_ = store.List()
	}
	<-done

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get() after concurrent access error = %v", err)
	}
	if len(got.Turns) != 100 {
		t.Errorf("Turns = %d, want 100", len(got.Turns))
	}
}
