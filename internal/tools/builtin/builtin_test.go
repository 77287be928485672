package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/internal/tools"
)

func TestClockReportsRFC3339(t *testing.T) {
	clock := NewClock()
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	clock.now = func() time.Time { return fixed }

	res, err := clock.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "2025-03-14T09:26:53Z" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestClockTimezone(t *testing.T) {
	clock := NewClock()
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	clock.now = func() time.Time { return fixed }

	res, err := clock.Execute(context.Background(), json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if _, err := time.Parse(time.RFC3339, res.Content); err != nil {
		t.Errorf("Content %q is not RFC 3339: %v", res.Content, err)
	}

	res, err = clock.Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "unknown timezone") {
		t.Errorf("bad timezone should produce an error result, got %+v", res)
	}
}

func TestCalculator(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		name    string
		params  string
		want    string
		isError bool
	}{
		{"add", `{"operation":"add","a":2,"b":3}`, "5", false},
		{"subtract", `{"operation":"subtract","a":2,"b":3}`, "-1", false},
		{"multiply", `{"operation":"multiply","a":1.5,"b":2}`, "3", false},
		{"divide", `{"operation":"divide","a":7,"b":2}`, "3.5", false},
		{"divide by zero", `{"operation":"divide","a":1,"b":0}`, "division by zero", true},
		{"unsupported", `{"operation":"modulo","a":1,"b":2}`, "unsupported operation", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := calc.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.IsError != tt.isError {
				t.Fatalf("IsError = %v, want %v (%s)", res.IsError, tt.isError, res.Content)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("Content = %q, want it to contain %q", res.Content, tt.want)
			}
		})
	}
}

func TestCalculatorSchemaEnumeratesOperations(t *testing.T) {
	var schema map[string]any
	if err := json.Unmarshal(NewCalculator().Schema(), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}

	props := schema["properties"].(map[string]any)
	op := props["operation"].(map[string]any)
	enum, ok := op["enum"].([]any)
	if !ok || len(enum) != 4 {
		t.Errorf("operation enum = %v, want 4 operations", op["enum"])
	}
}

type fakeRecorder struct {
	facts       []string
	confidences []float64
	sources     [][]string
}

func (f *fakeRecorder) AddSharedFact(fact string, confidence float64, sources []string) {
	f.facts = append(f.facts, fact)
	f.confidences = append(f.confidences, confidence)
	f.sources = append(f.sources, sources)
}

func TestRememberStoresFact(t *testing.T) {
	recorder := &fakeRecorder{}
	remember := NewRemember(recorder)

	res, err := remember.Execute(context.Background(), json.RawMessage(`{"fact":"  the sky is blue ","source":"observation","confidence":0.8}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if len(recorder.facts) != 1 || recorder.facts[0] != "the sky is blue" {
		t.Errorf("facts = %v", recorder.facts)
	}
	if recorder.confidences[0] != 0.8 {
		t.Errorf("confidence = %v, want 0.8", recorder.confidences[0])
	}
	if len(recorder.sources[0]) != 1 || recorder.sources[0][0] != "observation" {
		t.Errorf("sources = %v", recorder.sources[0])
	}
}

func TestRememberDefaultsSourceAndConfidence(t *testing.T) {
	recorder := &fakeRecorder{}
	remember := NewRemember(recorder)

	if _, err := remember.Execute(context.Background(), json.RawMessage(`{"fact":"water is wet"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(recorder.sources) != 1 || recorder.sources[0][0] != "agent" {
		t.Errorf("sources = %v, want [[agent]]", recorder.sources)
	}
	if recorder.confidences[0] != 1 {
		t.Errorf("confidence = %v, want 1", recorder.confidences[0])
	}
}

func TestRememberRequiresFact(t *testing.T) {
	remember := NewRemember(&fakeRecorder{})

	res, err := remember.Execute(context.Background(), json.RawMessage(`{"fact":"   "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("blank fact should produce an error result")
	}
}

func TestRememberWithoutRecorder(t *testing.T) {
	remember := NewRemember(nil)

	res, err := remember.Execute(context.Background(), json.RawMessage(`{"fact":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "unavailable") {
		t.Errorf("nil recorder should produce an error result, got %+v", res)
	}
}

func TestRegisterAll(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterAll(registry, &fakeRecorder{})

	names := registry.Names()
	want := []string{"calculator", "current_time", "remember_fact"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

// The reflected schemas must survive the registry's validator, not
// just the reflector.
func TestBuiltinsValidateThroughRegistry(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterAll(registry, &fakeRecorder{})

	res, err := registry.Execute(context.Background(), "calculator", json.RawMessage(`{"operation":"add","a":1,"b":2}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("calculator rejected valid arguments: %s", res.Content)
	}
	if res.Content != "3" {
		t.Errorf("Content = %q, want 3", res.Content)
	}

	res, err = registry.Execute(context.Background(), "calculator", json.RawMessage(`{"operation":"add","a":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("missing operand should fail schema validation")
	}
}
