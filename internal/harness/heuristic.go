package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/refineryhq/refinery/internal/registry"
)

// HeuristicScorer is the deterministic fallback scorer. It grades content on
// structural features only (title, sections, workable length, list items,
// unfinished placeholders), so scores are coarser than the external scorer's
// but stable across runs.
type HeuristicScorer struct{}

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

func (h *HeuristicScorer) Score(_ context.Context, content string, _ registry.Benchmark) (float64, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0, nil
	}
	var score float64
	if strings.HasPrefix(trimmed, "# ") {
		score += 0.30
	}
	if strings.Count(content, "\n## ") >= 2 {
		score += 0.20
	} else if strings.Contains(content, "\n## ") {
		score += 0.10
	}
	if n := len(trimmed); n >= 200 && n <= 65536 {
		score += 0.20
	}
	if strings.Contains(content, "\n- ") || strings.Contains(content, "\n1. ") {
		score += 0.15
	}
	if !containsAny(content, "TBD", "TODO", "FIXME") {
		score += 0.15
	}
	return score, nil
}

// RunTest interprets the declarative case checks from the registry.
func (h *HeuristicScorer) RunTest(_ context.Context, content string, tc registry.TestCase) (bool, error) {
	switch tc.Check {
	case registry.CheckContains:
		return strings.Contains(content, tc.Pattern), nil
	case registry.CheckNotContains:
		return !strings.Contains(content, tc.Pattern), nil
	case registry.CheckMaxLength:
		return len(content) <= tc.MaxLength, nil
	case registry.CheckNonEmpty:
		return strings.TrimSpace(content) != "", nil
	default:
		return false, fmt.Errorf("unknown check %q", tc.Check)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
