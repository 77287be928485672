// Package scheduler runs the process's periodic maintenance jobs:
// cache sweeps, memory autosaves, session expiry. Jobs are named
// closures registered on one cron runtime with Start/Stop lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts five- or six-field specs (optional leading seconds
// field) and @descriptors like "@every 30s".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec reports whether spec parses in the scheduler's dialect.
func ValidateSpec(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Scheduler owns the cron runtime. Add jobs before Start; Stop cancels
// the context passed to running jobs and waits for them to return.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. Job panics are recovered and logged instead
// of taking the process down.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	s := &Scheduler{logger: logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)
	return s
}

// Add registers fn to run under name on the given spec. The context
// passed to fn is cancelled when the scheduler stops.
func (s *Scheduler) Add(name, spec string, fn func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		fn(ctx)
		s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	return nil
}

// Start launches the runtime; registered jobs begin firing on their
// specs. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts scheduling, cancels running jobs, and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// cronLogger adapts slog to the cron runtime's logger. Routine
// scheduling chatter logs at debug; recovered panics at error.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
