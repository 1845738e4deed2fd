package decision_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/refineryhq/refinery/internal/decision"
	"github.com/refineryhq/refinery/internal/models"
)

func cleanEval() models.EvaluationResult {
	return models.EvaluationResult{
		BenchmarkScores: map[string]models.BenchmarkScore{
			"b.alpha": {Score: 0.9, Minimum: 0.6, Pass: true},
			"b.beta":  {Score: 0.8, Minimum: 0.5, Pass: true},
		},
		BaselineScores: map[string]float64{"b.alpha": 0.7, "b.beta": 0.7},
		RegressionResults: map[string]models.SuiteResult{
			"s.core": {PassedCount: 3},
		},
		ImprovementDelta: 0.15,
	}
}

func TestDecideAcceptsCleanPass(t *testing.T) {
	v := decision.Decide(cleanEval())
	if v.Outcome != models.OutcomeAccept {
		t.Fatalf("expected ACCEPT, got %s (%s)", v.Outcome, v.Reason)
	}
	if !strings.HasPrefix(v.Reason, decision.ReasonAccepted) {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	eval := cleanEval()
	eval.HumanGatesTriggered = []string{"novel_pattern", "breaking_change"}
	first := decision.Decide(eval)
	for i := 0; i < 5; i++ {
		if next := decision.Decide(eval); !reflect.DeepEqual(first, next) {
			t.Fatalf("verdict changed between calls: %+v vs %+v", first, next)
		}
	}
}

func TestDecideRegressionVetoBeatsEverything(t *testing.T) {
	eval := cleanEval()
	eval.ImprovementDelta = 0.9
	eval.HumanGatesTriggered = []string{"novel_pattern"}
	eval.BenchmarkScores["b.alpha"] = models.BenchmarkScore{Score: 0.2, Minimum: 0.6, Pass: false}
	eval.RegressionResults["s.core"] = models.SuiteResult{
		PassedCount: 2, FailedCount: 1, FailedTestIDs: []string{"s.core.title"},
	}

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject {
		t.Fatalf("expected REJECT, got %s", v.Outcome)
	}
	if v.Reason != "regression test failed: s.core.title" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestDecideRegressionReasonSortsFailedIDs(t *testing.T) {
	eval := cleanEval()
	eval.RegressionResults = map[string]models.SuiteResult{
		"s.zeta":  {FailedCount: 1, FailedTestIDs: []string{"s.zeta.one"}},
		"s.alpha": {FailedCount: 2, FailedTestIDs: []string{"s.alpha.two", "s.alpha.one"}},
	}
	v := decision.Decide(eval)
	if v.Reason != "regression test failed: s.alpha.one, s.alpha.two, s.zeta.one" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestDecideSuiteWithoutCaseIDsCitesSuite(t *testing.T) {
	eval := cleanEval()
	eval.RegressionResults = map[string]models.SuiteResult{
		"s.core": {FailedCount: 2},
	}
	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject || v.Reason != "regression test failed: s.core" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestDecideBenchmarkVeto(t *testing.T) {
	eval := cleanEval()
	eval.BenchmarkScores["b.beta"] = models.BenchmarkScore{Score: 0.3, Minimum: 0.5, Pass: false}
	eval.BenchmarkScores["b.alpha"] = models.BenchmarkScore{Score: 0.4, Minimum: 0.6, Pass: false}

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject {
		t.Fatalf("expected REJECT, got %s", v.Outcome)
	}
	if v.Reason != "benchmark below minimum: b.alpha" {
		t.Fatalf("expected first failing benchmark in sorted order, got %q", v.Reason)
	}
}

func TestDecideZeroDeltaIsNoImprovement(t *testing.T) {
	eval := cleanEval()
	eval.ImprovementDelta = 0

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject {
		t.Fatalf("expected REJECT, got %s", v.Outcome)
	}
	if v.Reason != "no improvement: delta <= 0" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestDecideNegativeDeltaIsNoImprovement(t *testing.T) {
	eval := cleanEval()
	eval.ImprovementDelta = -0.2
	if v := decision.Decide(eval); v.Outcome != models.OutcomeReject {
		t.Fatalf("expected REJECT, got %s", v.Outcome)
	}
}

func TestDecideNoImprovementBeatsHumanGates(t *testing.T) {
	eval := cleanEval()
	eval.ImprovementDelta = 0
	eval.HumanGatesTriggered = []string{"breaking_change"}

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject {
		t.Fatalf("a gated no-improvement must reject, got %s", v.Outcome)
	}
	if !strings.HasPrefix(v.Reason, decision.ReasonNoImprovement) {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestDecideHumanGatesPendReview(t *testing.T) {
	eval := cleanEval()
	eval.HumanGatesTriggered = []string{"novel_pattern", "breaking_change"}

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomePending {
		t.Fatalf("expected PENDING_HUMAN_REVIEW, got %s", v.Outcome)
	}
	if v.Reason != "human gates triggered: breaking_change, novel_pattern" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
	if !reflect.DeepEqual(v.Gates, []string{"breaking_change", "novel_pattern"}) {
		t.Fatalf("gates not sorted: %v", v.Gates)
	}
}

func TestDecideTimedOutEvaluationRejects(t *testing.T) {
	eval := cleanEval()
	eval.TimedOut = true
	eval.BenchmarkScores["b.alpha"] = models.BenchmarkScore{Score: 0, Minimum: 0.6, Pass: false}

	v := decision.Decide(eval)
	if v.Outcome != models.OutcomeReject {
		t.Fatalf("timed-out evaluation must reject, got %s", v.Outcome)
	}
}
