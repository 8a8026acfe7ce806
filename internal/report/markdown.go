package report

import (
	"fmt"
	"io"
)

// WriteMarkdown writes the report in a Markdown layout suitable for a PR
// comment or dashboard panel.
func WriteMarkdown(w io.Writer, r *ScenarioReport) error {
	if _, err := fmt.Fprintf(w, "## Scenario Quality Report: %s\n\n", r.Scenario.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "**Generated:** %s\n\n", r.GeneratedAt); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "**Quality score:** %.2f\n\n", r.Summary.QualityScore); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "**Runs:** %d total — %d passed, %d failed, %d errored\n\n",
		r.Summary.TotalRuns, r.Summary.Passed, r.Summary.Failed, r.Summary.Errored); err != nil {
		return err
	}
	if r.Summary.StreakLength > 0 {
		if _, err := fmt.Fprintf(w, "**Current streak:** %d consecutive %s runs\n\n",
			r.Summary.StreakLength, r.Summary.StreakKind); err != nil {
			return err
		}
	}

	if len(r.RecentRuns) == 0 {
		_, err := fmt.Fprintln(w, "_No runs recorded._")
		return err
	}

	if _, err := fmt.Fprintln(w, "| Run | Status | Confidence | Failed assertions | Reason |"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "|-----|--------|------------|-------------------|--------|"); err != nil {
		return err
	}
	for _, run := range r.RecentRuns {
		reason := run.Reason
		if len(reason) > 80 {
			reason = reason[:77] + "..."
		}
		if _, err := fmt.Fprintf(w, "| %s | %s | %.2f | %d | %s |\n",
			run.RunID, run.Status, run.Confidence, run.FailedAssertions, reason); err != nil {
			return err
		}
	}
	return nil
}
