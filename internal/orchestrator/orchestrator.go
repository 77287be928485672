// Package orchestrator coordinates multi-agent turns. One turn takes a
// user message, dispatches it to the participating agents under one of
// five strategies, and aggregates the per-agent outcomes into a
// strategy-specific result while streaming progress events to the
// session channel.
//
// Usage:
//
//	orch, err := orchestrator.New(orchestrator.Config{
//		LLM:     service,
//		Memory:  mem,
//		Prompts: prompts,
//	})
//	if err != nil {
//		return err
//	}
//	result, err := orch.Run(ctx, &orchestrator.Turn{
//		SessionID: sessionID,
//		Message:   "Summarize the findings.",
//		Agents:    agents,
//		Settings:  models.OrchestrationSettings{Strategy: models.StrategyParallel},
//		Events:    func(ev models.Event) { client.Send(ev) },
//	})
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/llm"
	"github.com/ensemble-ai/ensemble/internal/memory"
	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/internal/prompt"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// DefaultCompetitiveTimeoutMs bounds the competitive strategy's wait for
// a first success when the settings leave it unset.
const DefaultCompetitiveTimeoutMs = 30000

// participantUser tags the human side of a conversation in memory.
const participantUser = "user"

// Reinforcement applied to an agent's model memory per turn outcome.
const (
	actionRespond   = "respond"
	rewardResponse  = 1.0
	penaltyResponse = -0.5
)

// EventSink receives the event stream of one orchestrated turn in
// emission order. The orchestrator serializes calls, so the sink never
// runs concurrently with itself; it must not block for long.
type EventSink func(models.Event)

// Config assembles an Orchestrator. LLM is required; Memory, Prompts,
// and Profiles degrade gracefully when absent.
type Config struct {
	// LLM executes the per-agent completion calls.
	LLM *llm.Service

	// Memory receives conversation, reinforcement, and consensus
	// updates. Nil disables all memory hooks.
	Memory *memory.Manager

	// Prompts assembles the per-agent system prompt. Nil falls back to
	// each agent's own SystemPrompt.
	Prompts *prompt.Assembler

	// Profiles carries per-agent personas keyed by agent ID, filling
	// the individual prompt layer.
	Profiles map[string]prompt.AgentProfile

	// DefaultTimeout bounds orchestrations whose settings carry no
	// timeoutMs. Zero leaves only the caller's context deadline.
	DefaultTimeout time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Orchestrator runs multi-agent turns. It is safe for concurrent use;
// concurrent turns interleave only through memory and the LLM service,
// both of which are concurrency-safe.
type Orchestrator struct {
	llm            *llm.Service
	mem            *memory.Manager
	prompts        *prompt.Assembler
	profiles       map[string]prompt.AgentProfile
	defaultTimeout time.Duration
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	logger         *slog.Logger

	// emitMu serializes event emission so each turn's sink observes a
	// total order even under parallel dispatch.
	emitMu sync.Mutex
}

// New creates the orchestrator. LLM must be set.
func New(config Config) (*Orchestrator, error) {
	if config.LLM == nil {
		return nil, fmt.Errorf("orchestrator: llm service is required")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewMetrics()
	}
	if config.Tracer == nil {
		config.Tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "ensemble"})
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "orchestrator")
	}

	return &Orchestrator{
		llm:            config.LLM,
		mem:            config.Memory,
		prompts:        config.Prompts,
		profiles:       config.Profiles,
		defaultTimeout: config.DefaultTimeout,
		metrics:        config.Metrics,
		tracer:         config.Tracer,
		logger:         config.Logger,
	}, nil
}

// Turn is one orchestrated user turn.
type Turn struct {
	// SessionID scopes conversation memory and event routing.
	SessionID string

	// Message is the user's message for this turn.
	Message string

	// Agents participate in declared order. Order is load-bearing for
	// the sequential and pipeline strategies.
	Agents []models.Agent

	// History carries the session's prior turns, oldest first.
	History []models.ChatTurn

	Settings models.OrchestrationSettings

	// Events, when set, receives the turn's event stream.
	Events EventSink
}

// Run executes one turn under the configured strategy and returns the
// aggregate result. Per-agent failures are folded into the result for
// the strategies that isolate them; strategy-level failures (competitive
// timeout, consensus quorum, deadline expiry) surface as errors and emit
// no chat_complete event.
func (o *Orchestrator) Run(ctx context.Context, turn *Turn) (*models.OrchestrationResult, error) {
	if turn == nil {
		return nil, fmt.Errorf("orchestrator: turn is required")
	}
	if len(turn.Agents) == 0 {
		return nil, fmt.Errorf("orchestrator: turn has no agents")
	}
	strategy := turn.Settings.Strategy
	if !strategy.Valid() {
		return nil, &UnknownStrategyError{Strategy: strategy}
	}

	timeout := time.Duration(turn.Settings.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runCtx, span := o.tracer.TraceOrchestration(runCtx, string(strategy), turn.SessionID)
	defer span.End()

	if o.mem != nil && turn.Message != "" {
		o.mem.Conversation(turn.SessionID).AddMessage(participantUser, turn.Message)
	}

	start := time.Now()
	result, err := o.dispatch(runCtx, strategy, turn)

	// The per-orchestration deadline takes precedence over whatever
	// partial outcome the strategy salvaged, unless every agent still
	// finished cleanly or the caller's own context caused the expiry.
	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if err != nil || anyFailed(result) {
			err = &OrchestrationTimeoutError{Strategy: strategy, Timeout: timeout}
		}
	}
	if err != nil {
		o.tracer.RecordError(span, err)
		o.metrics.RecordOrchestration(string(strategy), "error", time.Since(start).Seconds())
		o.logger.Warn("orchestration failed",
			"session", turn.SessionID,
			"strategy", strategy,
			"error", err)
		return nil, err
	}

	o.metrics.RecordOrchestration(string(strategy), "success", time.Since(start).Seconds())
	o.logger.Info("orchestration complete",
		"session", turn.SessionID,
		"strategy", strategy,
		"agents", len(turn.Agents),
		"duration_ms", time.Since(start).Milliseconds())
	o.emit(turn, models.Event{Type: models.EventChatComplete, Payload: models.ChatCompletePayload{Strategy: strategy}})
	return result, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, strategy models.Strategy, turn *Turn) (*models.OrchestrationResult, error) {
	out := &models.OrchestrationResult{Strategy: strategy}
	var err error
	switch strategy {
	case models.StrategyParallel:
		out.Results = o.fanOut(ctx, turn, turn.Message)
	case models.StrategySequential:
		out.Results = o.runSequential(ctx, turn)
	case models.StrategyPipeline:
		out.Results, out.Pipeline = o.runPipeline(ctx, turn)
	case models.StrategyCompetitive:
		out.Results, out.Winner, err = o.runCompetitive(ctx, turn)
	case models.StrategyConsensus:
		out.Results, out.Consensus, err = o.runConsensus(ctx, turn)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invoke runs one agent's completion call and folds the outcome into an
// AgentResult. It never returns an error; failures are carried in the
// result so the calling strategy decides their blast radius.
func (o *Orchestrator) invoke(ctx context.Context, turn *Turn, agent models.Agent, convo []models.ChatTurn) models.AgentResult {
	result := models.AgentResult{Agent: agent.Ref(), Model: modelFor(agent, turn.Settings)}

	msgs := make([]models.ChatTurn, 0, len(convo)+1)
	if system := o.systemPrompt(turn, agent); system != "" {
		msgs = append(msgs, models.SystemTurn(system))
	}
	msgs = append(msgs, convo...)

	ref := agent.Ref()
	req := &llm.Request{
		Model:        result.Model,
		Messages:     msgs,
		Params:       paramsFor(agent, turn.Settings),
		Archetype:    agent.Archetype,
		DisableTools: !turn.Settings.EnableTools,
		APIKey:       turn.Settings.AgentAPIKeys[agent.ID],
		OnFallback: func(from, to string) {
			o.emit(turn, models.Event{Type: models.EventModelFallback, Payload: models.ModelFallbackPayload{
				FromModel: from,
				ToModel:   to,
				Agent:     &ref,
			}})
		},
	}

	start := time.Now()
	completion, err := o.llm.Complete(ctx, req)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		// Cancelled peers are not at fault; only genuine failures are
		// punished.
		if ctx.Err() == nil {
			o.reinforce(agent.ID, turn.Settings.Strategy, penaltyResponse)
		}
		o.logger.Warn("agent call failed",
			"agent", agent.ID,
			"model", result.Model,
			"error", err)
		return result
	}

	result.Success = true
	result.Response = completion.Content
	result.Model = completion.Model
	result.ToolCalls = completion.ToolCalls
	if completion.Usage.TotalTokens > 0 {
		usage := completion.Usage
		result.Usage = &usage
	}

	if o.mem != nil {
		o.mem.Conversation(turn.SessionID).AddMessage(agent.ID, completion.Content)
	}
	o.reinforce(agent.ID, turn.Settings.Strategy, rewardResponse)
	return result
}

// systemPrompt assembles the agent's system prompt from the three memory
// tiers, degrading to the agent's own prompt when assembly is
// unavailable or fails.
func (o *Orchestrator) systemPrompt(turn *Turn, agent models.Agent) string {
	if o.prompts == nil {
		return agent.SystemPrompt
	}

	var (
		meta  *memory.MetaMemory
		convo *memory.ConversationMemory
		mm    *memory.ModelMemory
	)
	if o.mem != nil {
		meta = o.mem.Meta()
		convo = o.mem.Conversation(turn.SessionID)
		mm = o.mem.ModelMemory(agent.ID)
	}

	assembled, err := o.prompts.Assemble(agent.ID, scenarioFor(turn.Settings),
		prompt.CollectiveFromMemory(meta, convo),
		prompt.IndividualFromMemory(o.profileFor(agent), mm))
	if err != nil {
		o.logger.Warn("prompt assembly failed, using the agent's own prompt",
			"agent", agent.ID,
			"error", err)
		return agent.SystemPrompt
	}
	return assembled
}

// profileFor merges the registered persona with the agent's declared
// identity. An agent-supplied system prompt lands in the individual
// layer's special-instructions slot, which is how pipeline stages carry
// their stage prompt.
func (o *Orchestrator) profileFor(agent models.Agent) prompt.AgentProfile {
	p := o.profiles[agent.ID]
	if p.Name == "" {
		p.Name = agent.Name
	}
	if p.Role == "" {
		p.Role = agent.Archetype
	}
	if agent.SystemPrompt != "" {
		p.SpecialInstructions = agent.SystemPrompt
	}
	return p
}

func (o *Orchestrator) reinforce(agentID string, strategy models.Strategy, reward float64) {
	if o.mem == nil {
		return
	}
	o.mem.ModelMemory(agentID).ApplyReinforcement(actionRespond, reward, string(strategy))
}

func (o *Orchestrator) emit(turn *Turn, ev models.Event) {
	if turn.Events == nil {
		return
	}
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	turn.Events(ev)
}

func (o *Orchestrator) emitAgent(turn *Turn, res models.AgentResult) {
	if res.Success {
		o.emit(turn, models.Event{Type: models.EventAgentResponse, Payload: models.AgentResponsePayload{
			Agent:          res.Agent,
			Response:       res.Response,
			ResponseTimeMs: res.ResponseTimeMs,
			Model:          res.Model,
			Usage:          res.Usage,
			ToolCalls:      res.ToolCalls,
		}})
		return
	}
	o.emit(turn, models.Event{Type: models.EventAgentResponseError, Payload: models.AgentResponseErrorPayload{
		Agent: res.Agent,
		Error: res.Error,
	}})
}

// scenarioFor picks the prompt scenario for a turn: the explicit setting
// when present, otherwise one matched to the strategy's character.
func scenarioFor(settings models.OrchestrationSettings) string {
	if settings.Scenario != "" {
		return settings.Scenario
	}
	switch settings.Strategy {
	case models.StrategyConsensus:
		return prompt.ScenarioConsensus
	case models.StrategyCompetitive:
		return prompt.ScenarioCreativity
	case models.StrategyPipeline:
		return prompt.ScenarioAnalysis
	default:
		return prompt.ScenarioCollaboration
	}
}

func modelFor(agent models.Agent, settings models.OrchestrationSettings) string {
	if m := settings.AgentModels[agent.ID]; m != "" {
		return m
	}
	return agent.Model
}

func paramsFor(agent models.Agent, settings models.OrchestrationSettings) models.AgentParameters {
	params := models.DefaultParameters().Merge(agent.Parameters)
	if override, ok := settings.AgentParameters[agent.ID]; ok {
		params = params.Merge(override)
	}
	return params
}

func anyFailed(result *models.OrchestrationResult) bool {
	if result == nil {
		return true
	}
	for _, res := range result.Results {
		if !res.Success {
			return true
		}
	}
	return false
}
