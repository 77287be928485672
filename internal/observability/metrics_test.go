package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Instruments live on per-instance registries, not the Prometheus
	// default, so two instances must neither collide nor share counts.
	a := NewMetrics()
	b := NewMetrics()

	a.RecordCacheLookup(true)

	if got := testutil.ToFloat64(a.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("instance a hit count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.CacheLookups.WithLabelValues("hit")); got != 0 {
		t.Errorf("instance b hit count = %v, want 0", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics()

	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", 1.25, 100, 250)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "error", 0.5, 0, 0)

	expected := `
		# HELP ensemble_llm_requests_total LLM requests partitioned by provider, model, and status
		# TYPE ensemble_llm_requests_total counter
		ensemble_llm_requests_total{model="claude-sonnet-4",provider="anthropic",status="error"} 1
		ensemble_llm_requests_total{model="claude-sonnet-4",provider="anthropic",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	// The zero-token error call must not create token series.
	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 2 {
		t.Errorf("Expected 2 token series, got %d", count)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "completion")); got != 250 {
		t.Errorf("completion tokens = %v, want 250", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)

	expected := `
		# HELP ensemble_cache_lookups_total Total number of response cache lookups by result
		# TYPE ensemble_cache_lookups_total counter
		ensemble_cache_lookups_total{result="hit"} 2
		ensemble_cache_lookups_total{result="miss"} 1
	`
	if err := testutil.CollectAndCompare(m.CacheLookups, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordFallback(t *testing.T) {
	m := NewMetrics()

	m.RecordFallback("gpt-4o", "claude-sonnet-4")
	m.RecordFallback("gpt-4o", "claude-sonnet-4")
	m.RecordFallback("claude-sonnet-4", "gemini-2.0-flash")

	expected := `
		# HELP ensemble_model_fallbacks_total Total number of fallback hops by source and target model
		# TYPE ensemble_model_fallbacks_total counter
		ensemble_model_fallbacks_total{from_model="claude-sonnet-4",to_model="gemini-2.0-flash"} 1
		ensemble_model_fallbacks_total{from_model="gpt-4o",to_model="claude-sonnet-4"} 2
	`
	if err := testutil.CollectAndCompare(m.ModelFallbacks, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestResilienceCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordRateLimited("openai")
	m.RecordRateLimited("openai")
	m.RecordBreakerRejection("model:gpt-4o")

	if got := testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("openai")); got != 2 {
		t.Errorf("rate limit rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BreakerRejections.WithLabelValues("model:gpt-4o")); got != 1 {
		t.Errorf("breaker rejections = %v, want 1", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetrics()

	m.RecordToolExecution("web_search", "success", 0.2)
	m.RecordToolExecution("web_search", "success", 0.4)
	m.RecordToolExecution("remember_fact", "error", 0.01)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web_search", "success")); got != 2 {
		t.Errorf("web_search successes = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.ToolExecutionDuration); count != 2 {
		t.Errorf("Expected 2 duration series, got %d", count)
	}
}

func TestRecordOrchestration(t *testing.T) {
	m := NewMetrics()

	m.RecordOrchestration("consensus", "success", 12.5)
	m.RecordOrchestration("parallel", "error", 3.0)

	if got := testutil.ToFloat64(m.OrchestrationCounter.WithLabelValues("consensus", "success")); got != 1 {
		t.Errorf("consensus successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OrchestrationCounter.WithLabelValues("parallel", "error")); got != 1 {
		t.Errorf("parallel errors = %v, want 1", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(300.0)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.SessionDuration); count != 1 {
		t.Errorf("Expected session duration to have observations, got %d series", count)
	}

	m.ClientConnected()
	m.ClientDisconnected()
	if got := testutil.ToFloat64(m.ConnectedClients); got != 0 {
		t.Errorf("connected clients = %v, want 0", got)
	}
}

func TestRecordEventDropped(t *testing.T) {
	m := NewMetrics()

	m.RecordEventDropped("agent-thinking")
	m.RecordEventDropped("agent-thinking")
	m.RecordEventDropped("memory-update")

	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues("agent-thinking")); got != 2 {
		t.Errorf("dropped agent-thinking = %v, want 2", got)
	}
}

func TestRegistryServesOnlyEnsembleFamilies(t *testing.T) {
	m := NewMetrics()
	m.RecordMemorySave("success")
	m.RecordError("llm", "rate_limit")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("Expected at least one metric family")
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "ensemble_") {
			t.Errorf("Metric family %q missing ensemble_ prefix", mf.GetName())
		}
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := NewMetrics()

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordToolExecution("web_search", "success", 0.01)
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordCacheLookup(i%2 == 0)
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web_search", "success")); got != float64(iterations) {
		t.Errorf("tool executions = %v, want %d", got, iterations)
	}
}
