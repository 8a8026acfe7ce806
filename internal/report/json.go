// Package report renders a scenario's run history as JSON or Markdown.
package report

import (
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tpmjs/scenario-engine/pkg/types"
)

// ScenarioReport summarizes a scenario's quality and recent runs.
type ScenarioReport struct {
	Version     string         `json:"version"`
	GeneratedAt string         `json:"generated_at"`
	Scenario    types.Scenario `json:"scenario"`
	Summary     Summary        `json:"summary"`
	RecentRuns  []RunSummary   `json:"recent_runs"`
}

// Summary holds aggregate run counts and the current streak.
type Summary struct {
	TotalRuns    int     `json:"total_runs"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	Errored      int     `json:"errored"`
	QualityScore float64 `json:"quality_score"`
	StreakLength int     `json:"streak_length"`
	StreakKind   string  `json:"streak_kind,omitempty"` // "pass" or "fail"
}

// RunSummary is the per-run line of a report.
type RunSummary struct {
	RunID            string  `json:"run_id"`
	Status           string  `json:"status"`
	Reason           string  `json:"reason,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	FailedAssertions int     `json:"failed_assertions"`
	ExecutionTimeMS  int64   `json:"execution_time_ms"`
	CreatedAt        string  `json:"created_at"`
}

// Build assembles a report from a scenario, its status counts, and its
// most recent runs (most recent first).
func Build(sc *types.Scenario, passes, fails, errored int, runs []types.Run) *ScenarioReport {
	summary := Summary{
		TotalRuns:    passes + fails + errored,
		Passed:       passes,
		Failed:       fails,
		Errored:      errored,
		QualityScore: sc.QualityScore,
	}
	switch {
	case sc.ConsecutivePasses > 0:
		summary.StreakLength = sc.ConsecutivePasses
		summary.StreakKind = types.VerdictPass
	case sc.ConsecutiveFails > 0:
		summary.StreakLength = sc.ConsecutiveFails
		summary.StreakKind = types.VerdictFail
	}

	recent := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		rs := RunSummary{
			RunID:           r.ID,
			Status:          r.Status,
			ExecutionTimeMS: r.ExecutionTimeMS,
			CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if r.Evaluation != nil {
			rs.Reason = r.Evaluation.Reason
			rs.Confidence = r.Evaluation.Confidence
		}
		if r.AssertionResults != nil {
			rs.FailedAssertions = len(r.AssertionResults.Failed)
		}
		recent = append(recent, rs)
	}

	return &ScenarioReport{
		Version:     "1.0",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Scenario:    *sc,
		Summary:     summary,
		RecentRuns:  recent,
	}
}

// JSON serializes the report.
func (r *ScenarioReport) JSON() ([]byte, error) {
	return json.Marshal(r)
}
