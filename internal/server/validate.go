package server

import (
	"fmt"
	"strings"

	"github.com/tpmjs/scenario-engine/pkg/types"
)

const (
	MaxAgentOutputBytes  = 500000
	MaxConversationTurns = 1000
	MaxPromptBytes       = 100000
)

// validateEvaluation checks the shared fields of evaluate and evaluate_run
// requests against engine limits.
func validateEvaluation(prompt, agentOutput string, conversation []types.Turn) *types.RPCError {
	if strings.TrimSpace(prompt) == "" {
		return types.NewRPCError(
			types.ErrInvalidRun,
			"scenario prompt must be non-empty",
			types.ErrTypeInvalidRun,
			false,
			"Every evaluation needs the task prompt that was given to the agent.",
		)
	}
	if len(prompt) > MaxPromptBytes {
		return types.NewRPCError(
			types.ErrInvalidRun,
			fmt.Sprintf("scenario prompt exceeds max size: %d > %d bytes", len(prompt), MaxPromptBytes),
			types.ErrTypeInvalidRun,
			false,
			fmt.Sprintf("Shorten the prompt to at most %d bytes.", MaxPromptBytes),
		)
	}
	if len(agentOutput) > MaxAgentOutputBytes {
		return types.NewRPCError(
			types.ErrInvalidRun,
			fmt.Sprintf("agent output exceeds max size: %d > %d bytes", len(agentOutput), MaxAgentOutputBytes),
			types.ErrTypeInvalidRun,
			false,
			fmt.Sprintf("Truncate agent output to at most %d bytes before submitting.", MaxAgentOutputBytes),
		)
	}
	if len(conversation) > MaxConversationTurns {
		return types.NewRPCError(
			types.ErrInvalidRun,
			fmt.Sprintf("conversation exceeds max turns: %d > %d", len(conversation), MaxConversationTurns),
			types.ErrTypeInvalidRun,
			false,
			fmt.Sprintf("Trim or summarize the transcript to at most %d turns.", MaxConversationTurns),
		)
	}
	return nil
}

// validatePriorCounters rejects inline counter blocks that violate the
// streak-exclusivity invariant or score range.
func validatePriorCounters(p *types.EvaluateParams) *types.RPCError {
	if p.QualityScore < 0 || p.QualityScore > 1 {
		return types.NewRPCError(
			types.ErrInvalidRun,
			fmt.Sprintf("quality_score out of range: %g", p.QualityScore),
			types.ErrTypeInvalidRun,
			false,
			"quality_score must be within [0, 1].",
		)
	}
	if p.ConsecutivePasses < 0 || p.ConsecutiveFails < 0 || p.TotalRuns < 0 {
		return types.NewRPCError(
			types.ErrInvalidRun,
			"streak counters must be non-negative",
			types.ErrTypeInvalidRun,
			false,
			"consecutive_passes, consecutive_fails, and total_runs must be >= 0.",
		)
	}
	if p.ConsecutivePasses > 0 && p.ConsecutiveFails > 0 {
		return types.NewRPCError(
			types.ErrInvalidRun,
			"consecutive_passes and consecutive_fails cannot both be non-zero",
			types.ErrTypeInvalidRun,
			false,
			"A scenario holds at most one active streak; the opposite counter resets to zero.",
		)
	}
	return nil
}
