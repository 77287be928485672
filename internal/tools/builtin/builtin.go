// Package builtin provides the default tools every deployment
// registers: a clock, a calculator, and a shared-fact recorder.
package builtin

import (
	"encoding/json"

	"github.com/ensemble-ai/ensemble/internal/tools"
)

// RegisterAll registers the built-in tools on the registry. The fact
// recorder may be nil when no shared memory is wired; remember_fact
// then reports an error result instead of storing.
func RegisterAll(registry *tools.Registry, recorder FactRecorder) {
	registry.Register(NewClock())
	registry.Register(NewCalculator())
	registry.Register(NewRemember(recorder))
}

func toolError(message string) *tools.Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &tools.Result{Content: message, IsError: true}
	}
	return &tools.Result{Content: string(payload), IsError: true}
}
