// Package decision renders verdicts from evaluation results. Decide is a
// pure function: same evaluation in, same verdict out, no clock, no I/O.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/refineryhq/refinery/internal/models"
)

// Reason prefixes are stable; operators and tests match on them.
const (
	ReasonRegression    = "regression test failed"
	ReasonBenchmark     = "benchmark below minimum"
	ReasonNoImprovement = "no improvement"
	ReasonHumanGates    = "human gates triggered"
	ReasonAccepted      = "accepted"
)

// Decide applies the verdict precedence to an evaluation: regression
// failures, then benchmark minimums, then the improvement delta, then human
// gates. First match wins; only a clean pass through all four accepts.
func Decide(eval models.EvaluationResult) models.Verdict {
	if failed := failedTests(eval); len(failed) > 0 {
		return models.Verdict{
			Outcome: models.OutcomeReject,
			Reason:  fmt.Sprintf("%s: %s", ReasonRegression, strings.Join(failed, ", ")),
		}
	}
	if id, ok := failedBenchmark(eval); ok {
		return models.Verdict{
			Outcome: models.OutcomeReject,
			Reason:  fmt.Sprintf("%s: %s", ReasonBenchmark, id),
		}
	}
	if eval.ImprovementDelta <= 0 {
		return models.Verdict{
			Outcome: models.OutcomeReject,
			Reason:  ReasonNoImprovement + ": delta <= 0",
		}
	}
	if len(eval.HumanGatesTriggered) > 0 {
		gates := append([]string(nil), eval.HumanGatesTriggered...)
		sort.Strings(gates)
		return models.Verdict{
			Outcome: models.OutcomePending,
			Reason:  fmt.Sprintf("%s: %s", ReasonHumanGates, strings.Join(gates, ", ")),
			Gates:   gates,
		}
	}
	return models.Verdict{
		Outcome: models.OutcomeAccept,
		Reason:  fmt.Sprintf("%s: improvement delta %.2f", ReasonAccepted, eval.ImprovementDelta),
	}
}

// failedTests collects failed case IDs across all suites, sorted for stable
// reasons. A suite with failures but no recorded case IDs contributes its
// suite ID instead.
func failedTests(eval models.EvaluationResult) []string {
	var out []string
	for suiteID, sr := range eval.RegressionResults {
		if sr.FailedCount == 0 {
			continue
		}
		if len(sr.FailedTestIDs) == 0 {
			out = append(out, suiteID)
			continue
		}
		out = append(out, sr.FailedTestIDs...)
	}
	sort.Strings(out)
	return out
}

// failedBenchmark returns the first failing benchmark in sorted ID order.
func failedBenchmark(eval models.EvaluationResult) (string, bool) {
	ids := make([]string, 0, len(eval.BenchmarkScores))
	for id := range eval.BenchmarkScores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !eval.BenchmarkScores[id].Pass {
			return id, true
		}
	}
	return "", false
}
