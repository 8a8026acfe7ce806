package evaluate

import "github.com/tpmjs/scenario-engine/pkg/types"

// DetermineFinalVerdict merges the judge's verdict with assertion results
// under a conservative policy, in priority order:
//
//  1. a judge fail is final, regardless of assertions
//  2. any failed assertion downgrades a judge pass to a fail
//  3. otherwise pass
//
// Assertions can never upgrade a judge fail. A nil assertions value is
// equivalent to having no assertions.
func DetermineFinalVerdict(evaluation *types.EvaluationResult, assertions *types.AssertionResults) string {
	if evaluation.Verdict == types.VerdictFail {
		return types.VerdictFail
	}
	if assertions != nil && len(assertions.Failed) > 0 {
		return types.VerdictFail
	}
	return types.VerdictPass
}
