package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// fanOut dispatches one concurrent call per agent and waits for all of
// them. Results are returned in declared agent order; agent events are
// emitted in completion order. Failures stay in their result slot and
// never cancel a sibling.
func (o *Orchestrator) fanOut(ctx context.Context, turn *Turn, message string) []models.AgentResult {
	results := make([]models.AgentResult, len(turn.Agents))

	var g errgroup.Group
	for i, agent := range turn.Agents {
		g.Go(func() error {
			res := o.invoke(ctx, turn, agent, turnList(turn.History, message))
			results[i] = res
			o.emitAgent(turn, res)
			return nil
		})
	}
	// Closures never return an error; Wait only joins the group.
	_ = g.Wait()

	return results
}

// runSequential processes agents in declared order over an evolving turn
// list. Each successful agent's reply is appended as an assistant turn
// tagged with its name, so later agents see the whole exchange.
func (o *Orchestrator) runSequential(ctx context.Context, turn *Turn) []models.AgentResult {
	convo := turnList(turn.History, turn.Message)
	results := make([]models.AgentResult, 0, len(turn.Agents))

	for _, agent := range turn.Agents {
		res := o.invoke(ctx, turn, agent, convo)
		results = append(results, res)
		o.emitAgent(turn, res)

		if res.Success {
			convo = append(convo, models.AssistantTurn(agent.Name, res.Response))
			continue
		}
		if turn.Settings.BreakOnError {
			break
		}
	}
	return results
}

// runPipeline chains agents: each receives only the current input as its
// user turn, and its output becomes the next stage's input. A failed
// stage stops the pipeline unless the settings allow continuing, in
// which case the next stage reuses the last successful output.
func (o *Orchestrator) runPipeline(ctx context.Context, turn *Turn) ([]models.AgentResult, *models.PipelineResult) {
	pipeline := &models.PipelineResult{}
	results := make([]models.AgentResult, 0, len(turn.Agents))
	input := turn.Message

	for _, agent := range turn.Agents {
		stage := models.PipelineStage{Agent: agent.Ref(), Input: input}
		res := o.invoke(ctx, turn, agent, []models.ChatTurn{models.UserTurn(input)})
		results = append(results, res)
		o.emitAgent(turn, res)

		if res.Success {
			stage.Output = res.Response
			pipeline.FinalOutput = res.Response
			input = res.Response
		} else {
			stage.Error = res.Error
		}
		pipeline.Stages = append(pipeline.Stages, stage)

		if !res.Success && !turn.Settings.PipelineContinueOnError {
			break
		}
	}

	o.emit(turn, models.Event{Type: models.EventPipelineResult, Payload: pipeline})
	return results, pipeline
}

// runCompetitive races all agents; the first success wins and the rest
// are cancelled best-effort. Cancelled peers produce no events, no
// results, and no reinforcement. Failures that precede the win are
// genuine and reported. No winner before the deadline fails the run.
func (o *Orchestrator) runCompetitive(ctx context.Context, turn *Turn) ([]models.AgentResult, *models.AgentResult, error) {
	timeoutMs := turn.Settings.CompetitiveTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultCompetitiveTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomes := make(chan models.AgentResult, len(turn.Agents))
	for _, agent := range turn.Agents {
		go func() {
			outcomes <- o.invoke(raceCtx, turn, agent, turnList(turn.History, turn.Message))
		}()
	}

	var results []models.AgentResult
	var winner *models.AgentResult
	for range turn.Agents {
		res := <-outcomes
		if winner != nil {
			continue
		}
		if res.Success {
			w := res
			winner = &w
			results = append(results, res)
			o.emitAgent(turn, res)
			cancel()
			continue
		}
		if raceCtx.Err() != nil {
			// Failure induced by the race ending, not by the agent.
			continue
		}
		results = append(results, res)
		o.emitAgent(turn, res)
	}

	if winner == nil {
		return nil, nil, &CompetitiveTimeoutError{Timeout: timeout, Agents: len(turn.Agents)}
	}
	return results, winner, nil
}

// turnList builds the per-call turn sequence: session history followed
// by the user message. The backing array is fresh so concurrent callers
// never share state.
func turnList(history []models.ChatTurn, message string) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(history)+1)
	out = append(out, history...)
	return append(out, models.UserTurn(message))
}
