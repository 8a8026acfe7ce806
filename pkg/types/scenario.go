package types

import "time"

const (
	VerdictPass = "pass"
	VerdictFail = "fail"

	// RunStatusError marks a run that errored before producing a verdict.
	// It is distinct from a fail verdict: errored runs never move the
	// quality score.
	RunStatusError = "error"
)

// Scenario is a reusable test case: a prompt given to an agent plus
// optional deterministic assertions, with rolling quality counters.
type Scenario struct {
	ID                string           `json:"id"`
	Prompt            string           `json:"prompt"`
	Assertions        *AssertionPolicy `json:"assertions,omitempty"`
	QualityScore      float64          `json:"quality_score"`
	TotalRuns         int              `json:"total_runs"`
	ConsecutivePasses int              `json:"consecutive_passes"`
	ConsecutiveFails  int              `json:"consecutive_fails"`
	LastRunStatus     string           `json:"last_run_status,omitempty"`
}

// AssertionPolicy holds the deterministic checks attached to a scenario.
// Regex patterns are evaluated case-insensitively and independently, in
// order. Schema, when non-empty, is a draft-07-compatible JSON Schema the
// agent output must contain an extractable JSON value for.
type AssertionPolicy struct {
	Regex  []string       `json:"regex,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// Empty reports whether the policy carries no checks at all. An empty
// schema object counts as no schema constraint.
func (p *AssertionPolicy) Empty() bool {
	return p == nil || (len(p.Regex) == 0 && len(p.Schema) == 0)
}

// Turn is a single message in the agent's conversation transcript. The
// engine treats transcripts as opaque context for the judge.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EvaluationResult is the judge model's structured verdict.
type EvaluationResult struct {
	Verdict    string  `json:"verdict"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// AssertionResults holds the labels of deterministic checks that passed
// and failed, in evaluation order.
type AssertionResults struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

// ScenarioUpdate is the counter state a completed evaluation produces for
// its scenario. The store applies it atomically; the evaluation core never
// mutates a Scenario in place.
type ScenarioUpdate struct {
	QualityScore      float64 `json:"quality_score"`
	ConsecutivePasses int     `json:"consecutive_passes"`
	ConsecutiveFails  int     `json:"consecutive_fails"`
	TotalRuns         int     `json:"total_runs"`
	LastRunStatus     string  `json:"last_run_status"`
}

// Run is one execution attempt of a scenario. Runs are immutable once
// written; a re-run creates a new Run.
type Run struct {
	ID               string            `json:"id"`
	ScenarioID       string            `json:"scenario_id"`
	AgentOutput      string            `json:"agent_output"`
	Conversation     []Turn            `json:"conversation,omitempty"`
	EvaluatorModelID string            `json:"evaluator_model_id"`
	Evaluation       *EvaluationResult `json:"evaluation,omitempty"`
	AssertionResults *AssertionResults `json:"assertion_results,omitempty"`
	// FinalVerdict is pass or fail for completed evaluations and empty for
	// errored runs. Status is FinalVerdict for completed runs and
	// RunStatusError otherwise.
	FinalVerdict    string    `json:"final_verdict,omitempty"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	CreatedAt       time.Time `json:"created_at"`
}
