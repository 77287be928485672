package orchestrator

import (
	"fmt"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// UnknownStrategyError rejects a turn naming a strategy the orchestrator
// does not implement. It is a validation failure, answered before any
// agent is dispatched.
type UnknownStrategyError struct {
	Strategy models.Strategy
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown orchestration strategy %q", string(e.Strategy))
}

// CompetitiveTimeoutError reports a competitive run in which no agent
// produced a success before the deadline.
type CompetitiveTimeoutError struct {
	Timeout time.Duration
	Agents  int
}

func (e *CompetitiveTimeoutError) Error() string {
	return fmt.Sprintf("no agent of %d succeeded within the %s competitive window", e.Agents, e.Timeout)
}

// ConsensusNotReachedError reports a consensus round with too few
// successful responses to form a quorum. Iteration exhaustion is not an
// error; it returns a result with Reached=false instead.
type ConsensusNotReachedError struct {
	Successes int
	Required  int
	Agents    int
}

func (e *ConsensusNotReachedError) Error() string {
	return fmt.Sprintf("consensus quorum not met: %d of %d agents succeeded, need %d", e.Successes, e.Agents, e.Required)
}

// OrchestrationTimeoutError reports that the per-orchestration deadline
// expired before the strategy ran to completion.
type OrchestrationTimeoutError struct {
	Strategy models.Strategy
	Timeout  time.Duration
}

func (e *OrchestrationTimeoutError) Error() string {
	return fmt.Sprintf("%s orchestration exceeded its %s deadline", string(e.Strategy), e.Timeout)
}
