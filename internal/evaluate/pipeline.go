// Package evaluate runs the full scenario evaluation sequence: assertions,
// judge call, verdict combination, quality-score update.
package evaluate

import (
	"context"
	"fmt"

	"github.com/tpmjs/scenario-engine/internal/assertion"
	"github.com/tpmjs/scenario-engine/internal/judge"
	"github.com/tpmjs/scenario-engine/internal/score"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

// Input carries everything one evaluation needs: the scenario's prompt and
// policy, the agent output under judgment, and the scenario's prior
// counters.
type Input struct {
	ScenarioPrompt   string
	AgentOutput      string
	Conversation     []types.Turn
	Policy           *types.AssertionPolicy
	EvaluatorModelID string
	Prior            score.State
}

// Outcome is a completed evaluation. Update already reflects the final
// verdict; the caller persists it atomically.
type Outcome struct {
	Evaluation   types.EvaluationResult
	Assertions   types.AssertionResults
	FinalVerdict string
	Update       types.ScenarioUpdate
}

// Pipeline wires the evaluation stages together.
type Pipeline struct {
	judge   *judge.Judge
	scoring score.Config
}

// NewPipeline creates a pipeline using the given judge and scoring policy.
func NewPipeline(j *judge.Judge, scoring score.Config) *Pipeline {
	return &Pipeline{judge: j, scoring: scoring}
}

// Evaluate runs the stages strictly in sequence: deterministic assertions
// first, then the judge call (the only blocking operation; ctx carries the
// caller's timeout), then verdict combination and the score update.
//
// A judge failure aborts the evaluation with an error and produces no
// score update: an errored run is distinct from a fail verdict.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	assertions := assertion.RunAssertions(in.AgentOutput, in.Policy)

	evaluation, err := p.judge.EvaluateScenarioRun(ctx, in.ScenarioPrompt, in.AgentOutput, in.Conversation, in.EvaluatorModelID)
	if err != nil {
		return nil, fmt.Errorf("evaluate scenario run: %w", err)
	}

	finalVerdict := DetermineFinalVerdict(evaluation, &assertions)
	next := score.Apply(in.Prior, finalVerdict, p.scoring)

	return &Outcome{
		Evaluation:   *evaluation,
		Assertions:   assertions,
		FinalVerdict: finalVerdict,
		Update:       next.Update(),
	}, nil
}
