package evaluate_test

import (
	"testing"

	"github.com/tpmjs/scenario-engine/internal/evaluate"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

func TestDetermineFinalVerdict(t *testing.T) {
	cases := []struct {
		name       string
		judge      string
		assertions *types.AssertionResults
		want       string
	}{
		{
			name:       "judge pass, no assertions",
			judge:      types.VerdictPass,
			assertions: nil,
			want:       types.VerdictPass,
		},
		{
			name:       "judge pass, empty assertion results",
			judge:      types.VerdictPass,
			assertions: &types.AssertionResults{Passed: []string{}, Failed: []string{}},
			want:       types.VerdictPass,
		},
		{
			name:       "judge pass, all assertions pass",
			judge:      types.VerdictPass,
			assertions: &types.AssertionResults{Passed: []string{"regex:ok"}, Failed: []string{}},
			want:       types.VerdictPass,
		},
		{
			name:       "judge pass, one assertion fails",
			judge:      types.VerdictPass,
			assertions: &types.AssertionResults{Passed: []string{"regex:ok"}, Failed: []string{"regex:missing"}},
			want:       types.VerdictFail,
		},
		{
			name:       "judge fail, all assertions pass",
			judge:      types.VerdictFail,
			assertions: &types.AssertionResults{Passed: []string{"regex:ok"}, Failed: []string{}},
			want:       types.VerdictFail,
		},
		{
			name:       "judge fail, no assertions",
			judge:      types.VerdictFail,
			assertions: nil,
			want:       types.VerdictFail,
		},
		{
			name:       "judge fail, assertion fails too",
			judge:      types.VerdictFail,
			assertions: &types.AssertionResults{Failed: []string{"regex:x"}},
			want:       types.VerdictFail,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evaluation := &types.EvaluationResult{Verdict: tc.judge, Reason: "r", Confidence: 0.9}
			got := evaluate.DetermineFinalVerdict(evaluation, tc.assertions)
			if got != tc.want {
				t.Errorf("DetermineFinalVerdict(%s, %+v) = %q, want %q", tc.judge, tc.assertions, got, tc.want)
			}
		})
	}
}
