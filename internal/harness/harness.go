// Package harness evaluates candidate content against the benchmarks and
// regression suites registered for a target's category. The harness itself is
// frozen infrastructure: it refuses to evaluate proposals that point at its
// own reserved identifiers.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/registry"
)

// errScorerUnavailable marks scorer failures that are not timeouts; Evaluate
// reruns the whole evaluation on the heuristic scorer when it sees one.
var errScorerUnavailable = errors.New("scorer unavailable")

type Harness struct {
	reg      *registry.Registry
	scorer   Scorer
	fallback Scorer
	reserved map[string]struct{}
}

// New builds a harness. A nil scorer selects the deterministic heuristic
// scorer as primary (local mode). reservedIDs are identifiers the harness
// refuses to evaluate regardless of their frozen flag.
func New(reg *registry.Registry, sc Scorer, reservedIDs []string) *Harness {
	if sc == nil {
		sc = NewHeuristicScorer()
	}
	reserved := make(map[string]struct{}, len(reservedIDs))
	for _, id := range reservedIDs {
		reserved[id] = struct{}{}
	}
	return &Harness{reg: reg, scorer: sc, fallback: NewHeuristicScorer(), reserved: reserved}
}

// Evaluate scores the candidate and the target's current content over the
// category's benchmarks, runs every registered regression suite against the
// candidate and collects triggered human gates. Baselines are re-scored fresh
// on every call; prior cycles' scores are never reused.
func (h *Harness) Evaluate(ctx context.Context, target models.Target, p models.Proposal, candidate string) (models.EvaluationResult, error) {
	if target.Frozen {
		return models.EvaluationResult{}, fmt.Errorf("target %s: %w", target.ID, proposal.ErrFrozenTarget)
	}
	if _, ok := h.reserved[target.ID]; ok {
		return models.EvaluationResult{}, fmt.Errorf("target %s is reserved: %w", target.ID, proposal.ErrFrozenTarget)
	}
	cs, err := h.reg.SuitesFor(target.Category)
	if err != nil {
		return models.EvaluationResult{}, err
	}

	mode := models.EvaluationModeScorer
	if _, ok := h.scorer.(*HeuristicScorer); ok {
		mode = models.EvaluationModeHeuristic
	}
	res, err := h.run(ctx, h.scorer, mode, cs, target, p, candidate)
	if err != nil && mode == models.EvaluationModeScorer && errors.Is(err, errScorerUnavailable) {
		log.Printf("[harness] scorer unavailable, re-running evaluation on heuristic: target=%s proposal=%s err=%v", target.ID, p.ID, err)
		res, err = h.run(ctx, h.fallback, models.EvaluationModeHeuristic, cs, target, p, candidate)
	}
	if err != nil {
		return models.EvaluationResult{}, err
	}
	return res, nil
}

func (h *Harness) run(ctx context.Context, sc Scorer, mode models.EvaluationMode, cs registry.CategorySuites, target models.Target, p models.Proposal, candidate string) (models.EvaluationResult, error) {
	heuristic := mode == models.EvaluationModeHeuristic
	res := models.EvaluationResult{
		ID:                uuid.New(),
		ProposalID:        p.ID,
		TargetID:          target.ID,
		BenchmarkScores:   make(map[string]models.BenchmarkScore, len(cs.Benchmarks)),
		BaselineScores:    make(map[string]float64, len(cs.Benchmarks)),
		RegressionResults: make(map[string]models.SuiteResult, len(cs.Suites)),
		Mode:              mode,
		EvaluatedAt:       time.Now().UTC(),
	}

	for _, b := range cs.Benchmarks {
		cand, err := sc.Score(ctx, candidate, b)
		var base float64
		if err == nil {
			base, err = sc.Score(ctx, target.Content, b)
		}
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return models.EvaluationResult{}, err
			case errors.Is(err, context.DeadlineExceeded):
				// Timeouts fail the benchmark rather than skipping it.
				res.TimedOut = true
				res.BenchmarkScores[b.ID] = models.BenchmarkScore{Score: 0, Minimum: b.Minimum, Pass: false}
				res.BaselineScores[b.ID] = 0
			case heuristic:
				return models.EvaluationResult{}, fmt.Errorf("score benchmark %s: %w", b.ID, err)
			default:
				return models.EvaluationResult{}, fmt.Errorf("score benchmark %s: %w: %v", b.ID, errScorerUnavailable, err)
			}
			continue
		}
		res.BenchmarkScores[b.ID] = models.BenchmarkScore{Score: cand, Minimum: b.Minimum, Pass: cand >= b.Minimum}
		res.BaselineScores[b.ID] = base
	}

	for _, suite := range cs.Suites {
		var sr models.SuiteResult
		for _, tc := range suite.Cases {
			pass, err := sc.RunTest(ctx, candidate, tc)
			if err != nil {
				switch {
				case errors.Is(err, context.Canceled):
					return models.EvaluationResult{}, err
				case errors.Is(err, context.DeadlineExceeded):
					res.TimedOut = true
				case heuristic:
					// A case that cannot run is recorded failed, not skipped.
					log.Printf("[harness] test %s cannot run, recording failure: %v", tc.ID, err)
				default:
					return models.EvaluationResult{}, fmt.Errorf("run test %s: %w: %v", tc.ID, errScorerUnavailable, err)
				}
				pass = false
			}
			if pass {
				sr.PassedCount++
			} else {
				sr.FailedCount++
				sr.FailedTestIDs = append(sr.FailedTestIDs, tc.ID)
			}
		}
		res.RegressionResults[suite.ID] = sr
	}

	if len(cs.Benchmarks) > 0 {
		var candSum, baseSum float64
		for id, bs := range res.BenchmarkScores {
			candSum += bs.Score
			baseSum += res.BaselineScores[id]
		}
		n := float64(len(cs.Benchmarks))
		res.ImprovementDelta = round2(candSum/n - baseSum/n)
	}
	res.HumanGatesTriggered = TriggeredGates(p, target.Content)
	return res, nil
}

// Recheck re-scores live content over a category's benchmarks and suites for
// monitoring comparisons. No heuristic fallback here: callers skip the pass
// when the scorer errors instead of comparing scores from different modes.
func (h *Harness) Recheck(ctx context.Context, category, content string) (map[string]float64, map[string]models.SuiteResult, error) {
	cs, err := h.reg.SuitesFor(category)
	if err != nil {
		return nil, nil, err
	}
	scores := make(map[string]float64, len(cs.Benchmarks))
	for _, b := range cs.Benchmarks {
		v, err := h.scorer.Score(ctx, content, b)
		if err != nil {
			return nil, nil, fmt.Errorf("score benchmark %s: %w", b.ID, err)
		}
		scores[b.ID] = v
	}
	suites := make(map[string]models.SuiteResult, len(cs.Suites))
	for _, suite := range cs.Suites {
		var sr models.SuiteResult
		for _, tc := range suite.Cases {
			pass, err := h.scorer.RunTest(ctx, content, tc)
			if err != nil {
				return nil, nil, fmt.Errorf("run test %s: %w", tc.ID, err)
			}
			if pass {
				sr.PassedCount++
			} else {
				sr.FailedCount++
				sr.FailedTestIDs = append(sr.FailedTestIDs, tc.ID)
			}
		}
		suites[suite.ID] = sr
	}
	return scores, suites, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
