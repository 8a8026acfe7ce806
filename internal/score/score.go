// Package score maintains a scenario's 0-1 quality score using
// streak-weighted, asymmetric reward and penalty curves: a pass earns a
// base bonus plus a growing streak bonus, a fail costs twice as much both
// ways. The update is pure arithmetic; persistence applies it atomically.
package score

import "github.com/tpmjs/scenario-engine/pkg/types"

// Config holds the reward/penalty coefficients. All values are fractions
// of the 0-1 score range.
type Config struct {
	PassBase      float64 // bonus for any pass
	PassPerStreak float64 // extra bonus per consecutive pass
	FailBase      float64 // penalty for any fail
	FailPerStreak float64 // extra penalty per consecutive fail
}

// DefaultConfig mirrors the platform's documented policy: 5% + 1% per
// consecutive pass, 10% + 2% per consecutive fail.
var DefaultConfig = Config{
	PassBase:      0.05,
	PassPerStreak: 0.01,
	FailBase:      0.10,
	FailPerStreak: 0.02,
}

// State is a scenario's mutable counter block.
type State struct {
	QualityScore      float64
	ConsecutivePasses int
	ConsecutiveFails  int
	TotalRuns         int
	LastRunStatus     string
}

// Apply computes the post-run state for a completed verdict. The streak
// bonus/penalty uses the new streak length, so the Nth consecutive pass
// contributes PassBase + N*PassPerStreak. Scores clamp to [0, 1] and the
// opposite streak resets to zero. Errored runs must not reach Apply.
func Apply(prev State, verdict string, cfg Config) State {
	next := State{
		TotalRuns:     prev.TotalRuns + 1,
		LastRunStatus: verdict,
	}

	if verdict == types.VerdictPass {
		next.ConsecutivePasses = prev.ConsecutivePasses + 1
		next.ConsecutiveFails = 0
		delta := cfg.PassBase + cfg.PassPerStreak*float64(next.ConsecutivePasses)
		next.QualityScore = clamp01(prev.QualityScore + delta)
		return next
	}

	next.ConsecutiveFails = prev.ConsecutiveFails + 1
	next.ConsecutivePasses = 0
	penalty := cfg.FailBase + cfg.FailPerStreak*float64(next.ConsecutiveFails)
	next.QualityScore = clamp01(prev.QualityScore - penalty)
	return next
}

// Update converts a post-run state into the persistence contract.
func (s State) Update() types.ScenarioUpdate {
	return types.ScenarioUpdate{
		QualityScore:      s.QualityScore,
		ConsecutivePasses: s.ConsecutivePasses,
		ConsecutiveFails:  s.ConsecutiveFails,
		TotalRuns:         s.TotalRuns,
		LastRunStatus:     s.LastRunStatus,
	}
}

// FromScenario extracts the counter block from a scenario record.
func FromScenario(s *types.Scenario) State {
	return State{
		QualityScore:      s.QualityScore,
		ConsecutivePasses: s.ConsecutivePasses,
		ConsecutiveFails:  s.ConsecutiveFails,
		TotalRuns:         s.TotalRuns,
		LastRunStatus:     s.LastRunStatus,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
