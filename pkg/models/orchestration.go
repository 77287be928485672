package models

// Strategy is the coordination mode governing how the participating agents
// handle one user turn.
type Strategy string

const (
	StrategyParallel    Strategy = "parallel"
	StrategySequential  Strategy = "sequential"
	StrategyPipeline    Strategy = "pipeline"
	StrategyCompetitive Strategy = "competitive"
	StrategyConsensus   Strategy = "consensus"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyParallel, StrategySequential, StrategyPipeline,
		StrategyCompetitive, StrategyConsensus:
		return true
	}
	return false
}

// OrchestrationSettings configure one orchestrated turn. Field names follow
// the client envelope wire format.
type OrchestrationSettings struct {
	Strategy    Strategy `json:"orchestrationStrategy"`
	EnableTools bool     `json:"enableTools,omitempty"`

	// Per-agent overrides, keyed by agent ID.
	AgentModels     map[string]string          `json:"agentModels,omitempty"`
	AgentParameters map[string]AgentParameters `json:"agentParameters,omitempty"`
	AgentAPIKeys    map[string]string          `json:"agentApiKeys,omitempty"`

	// ConsensusThreshold is the required fraction of successful responses
	// for the consensus strategy. Zero means the default (0.7).
	ConsensusThreshold float64 `json:"consensusThreshold,omitempty"`

	// CompetitiveTimeoutMs bounds the competitive strategy's wait for a
	// first success. Zero means the default (30000).
	CompetitiveTimeoutMs int `json:"competitiveTimeoutMs,omitempty"`

	// BreakOnError stops a sequential run at the first agent failure
	// instead of skipping past it.
	BreakOnError bool `json:"breakOnError,omitempty"`

	// PipelineContinueOnError keeps a pipeline running past a failed
	// stage, feeding the next stage the last successful output.
	PipelineContinueOnError bool `json:"pipelineContinueOnError,omitempty"`

	// TimeoutMs bounds the whole orchestration. Zero means no deadline
	// beyond the caller's context.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// Scenario optionally selects a prompt scenario template for this turn.
	Scenario string `json:"scenario,omitempty"`
}

// AgentResult is one agent's outcome within an orchestrated turn. Failed
// agents report Success=false with Error set; they never abort the
// strategies that isolate failures.
type AgentResult struct {
	Agent    AgentRef `json:"agent"`
	Success  bool     `json:"success"`
	Response string   `json:"response,omitempty"`
	Error    string   `json:"error,omitempty"`

	// Model is the model that actually served the call, which differs from
	// the agent's binding when a fallback chain was used.
	Model string `json:"model,omitempty"`

	Usage          *Usage     `json:"usage,omitempty"`
	ToolCalls      []ToolCall `json:"toolCalls,omitempty"`
	ResponseTimeMs int64      `json:"responseTime,omitempty"`
}

// PipelineStage records one agent's transformation step in a pipeline run.
type PipelineStage struct {
	Agent  AgentRef `json:"agent"`
	Input  string   `json:"input"`
	Output string   `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// PipelineResult is the aggregate of a pipeline run.
type PipelineResult struct {
	Stages []PipelineStage `json:"pipeline"`

	// FinalOutput is the last successful stage's output.
	FinalOutput string `json:"finalOutput"`
}

// ConsensusResult is the aggregate of a consensus run. A failed consensus is
// a normal outcome, not an error: Reached=false with DivergentPoints set.
type ConsensusResult struct {
	Reached         bool     `json:"reached"`
	Points          []string `json:"points,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	DivergentPoints []string `json:"divergentPoints,omitempty"`
	AgreementLevel  float64  `json:"agreementLevel"`
	Participants    []string `json:"participants,omitempty"`
	Iterations      int      `json:"iterations,omitempty"`
}

// OrchestrationResult is the per-strategy aggregate returned to the caller.
// Results is populated for every strategy; Pipeline, Consensus, and Winner
// are set only by their respective strategies.
type OrchestrationResult struct {
	Strategy  Strategy         `json:"strategy"`
	Results   []AgentResult    `json:"results"`
	Pipeline  *PipelineResult  `json:"pipelineResult,omitempty"`
	Consensus *ConsensusResult `json:"consensusResult,omitempty"`
	Winner    *AgentResult     `json:"winner,omitempty"`
}
