package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastConfig keeps test sleeps in the low milliseconds.
func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("Err = nil, want last failure")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	if result.Err == nil {
		t.Error("Err = nil, want permanent failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors never retry)", calls)
	}
}

func TestDoHonorsRetryIf(t *testing.T) {
	terminal := errors.New("terminal")
	config := fastConfig(5)
	config.RetryIf = func(err error) bool {
		return !errors.Is(err, terminal)
	}

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return terminal
	})

	if !errors.Is(result.Err, terminal) {
		t.Errorf("Err = %v, want %v", result.Err, terminal)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestDoAbortsDuringBackoff(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := Do(ctx, config, func() error {
		return errors.New("retry")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
}

func TestDoPreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, DefaultConfig(), func() error {
		calls++
		return nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (op must not run under a dead context)", calls)
	}
}

func TestDoWithValueRetries(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("retry")
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestDefaultConfigSchedule(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", config.InitialDelay)
	}
	if config.MaxDelay != 4*time.Second {
		t.Errorf("MaxDelay = %v, want 4s", config.MaxDelay)
	}
	if config.Factor != 2.0 {
		t.Errorf("Factor = %v, want 2.0", config.Factor)
	}
	if config.Jitter {
		t.Error("Jitter = true, want false in the default schedule")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("invalid model")
	wrapped := Permanent(base)

	if !IsPermanent(wrapped) {
		t.Error("IsPermanent = false for a Permanent-wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Permanent must unwrap to the original error")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent = true for a bare error")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should stay nil")
	}
}

func TestJitterBounds(t *testing.T) {
	config := Config{Jitter: true}
	base := 100 * time.Millisecond

	for i := 0; i < 50; i++ {
		d := config.withJitter(base)
		if d < base/2 || d > base+base/2 {
			t.Fatalf("withJitter(%v) = %v, want within [%v, %v]", base, d, base/2, base+base/2)
		}
	}
}
