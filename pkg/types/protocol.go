package types

import "encoding/json"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData holds structured error detail.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail"`
}

// InitializeParams holds parameters for the initialize method.
type InitializeParams struct {
	ClientName           string   `json:"client_name"`
	ClientVersion        string   `json:"client_version"`
	ProtocolVersion      int      `json:"protocol_version"`
	RequiredCapabilities []string `json:"required_capabilities"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	EngineVersion        string   `json:"engine_version"`
	ProtocolVersion      int      `json:"protocol_version"`
	Capabilities         []string `json:"capabilities"`
	SupportedModels      []string `json:"supported_models"`
	Missing              []string `json:"missing"`
	Compatible           bool     `json:"compatible"`
	MaxAgentOutputBytes  int      `json:"max_agent_output_bytes"`
	MaxConversationTurns int      `json:"max_conversation_turns"`
}

// EvaluateParams holds the stateless evaluate method's input: an inline
// scenario (prompt, policy, prior counters) plus the agent output to judge.
type EvaluateParams struct {
	ScenarioPrompt    string           `json:"scenario_prompt"`
	AgentOutput       string           `json:"agent_output"`
	Conversation      []Turn           `json:"conversation,omitempty"`
	AssertionPolicy   *AssertionPolicy `json:"assertion_policy,omitempty"`
	EvaluatorModelID  string           `json:"evaluator_model_id,omitempty"`
	QualityScore      float64          `json:"quality_score"`
	ConsecutivePasses int              `json:"consecutive_passes"`
	ConsecutiveFails  int              `json:"consecutive_fails"`
	TotalRuns         int              `json:"total_runs"`
}

// EvaluateResult holds the outcome of a completed evaluation.
type EvaluateResult struct {
	Evaluation       EvaluationResult `json:"evaluation"`
	AssertionResults AssertionResults `json:"assertion_results"`
	FinalVerdict     string           `json:"final_verdict"`
	ScenarioUpdate   ScenarioUpdate   `json:"scenario_update"`
}

// CreateScenarioParams holds parameters for the create_scenario method.
// ID is optional; the engine assigns one when absent.
type CreateScenarioParams struct {
	ID         string           `json:"id,omitempty"`
	Prompt     string           `json:"prompt"`
	Assertions *AssertionPolicy `json:"assertions,omitempty"`
}

// GetScenarioParams holds parameters for the get_scenario method.
type GetScenarioParams struct {
	ID string `json:"id"`
}

// EvaluateRunParams holds parameters for the evaluate_run method, which
// evaluates agent output against a stored scenario and persists the run.
type EvaluateRunParams struct {
	ScenarioID       string `json:"scenario_id"`
	AgentOutput      string `json:"agent_output"`
	Conversation     []Turn `json:"conversation,omitempty"`
	EvaluatorModelID string `json:"evaluator_model_id,omitempty"`
	ExecutionTimeMS  int64  `json:"execution_time_ms,omitempty"`
}

// EvaluateRunResult holds the result of the evaluate_run method. Scenario
// reflects the counters after the run was applied.
type EvaluateRunResult struct {
	RunID            string           `json:"run_id"`
	Evaluation       EvaluationResult `json:"evaluation"`
	AssertionResults AssertionResults `json:"assertion_results"`
	FinalVerdict     string           `json:"final_verdict"`
	Scenario         Scenario         `json:"scenario"`
}

// ScenarioReportParams holds parameters for the scenario_report method.
type ScenarioReportParams struct {
	ScenarioID string `json:"scenario_id"`
	Format     string `json:"format,omitempty"` // "json" (default) or "markdown"
	Limit      int    `json:"limit,omitempty"`
}

// ScenarioReportResult holds the rendered report. Content is a JSON
// document for the json format and a JSON-encoded string for markdown.
type ScenarioReportResult struct {
	Format  string          `json:"format"`
	Content json.RawMessage `json:"content"`
}

// ShutdownResult holds the result of the shutdown method.
type ShutdownResult struct {
	RunsEvaluated int `json:"runs_evaluated"`
}
