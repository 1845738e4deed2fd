package harness_test

import (
	"context"
	"strings"
	"testing"

	"github.com/refineryhq/refinery/internal/harness"
	"github.com/refineryhq/refinery/internal/registry"
)

func TestHeuristicRunTestChecks(t *testing.T) {
	h := harness.NewHeuristicScorer()
	ctx := context.Background()
	content := "# Guide\n\nDo the thing."

	cases := []struct {
		name string
		tc   registry.TestCase
		want bool
	}{
		{"contains hit", registry.TestCase{Check: registry.CheckContains, Pattern: "# Guide"}, true},
		{"contains miss", registry.TestCase{Check: registry.CheckContains, Pattern: "## Setup"}, false},
		{"not_contains clean", registry.TestCase{Check: registry.CheckNotContains, Pattern: "rm -rf /"}, true},
		{"not_contains dirty", registry.TestCase{Check: registry.CheckNotContains, Pattern: "thing"}, false},
		{"max_length within", registry.TestCase{Check: registry.CheckMaxLength, MaxLength: 1024}, true},
		{"max_length exceeded", registry.TestCase{Check: registry.CheckMaxLength, MaxLength: 4}, false},
		{"non_empty", registry.TestCase{Check: registry.CheckNonEmpty}, true},
	}
	for _, c := range cases {
		got, err := h.RunTest(ctx, content, c.tc)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}

	if pass, err := h.RunTest(ctx, "   \n", registry.TestCase{Check: registry.CheckNonEmpty}); err != nil || pass {
		t.Fatalf("blank content should fail non_empty, got pass=%v err=%v", pass, err)
	}
	if _, err := h.RunTest(ctx, content, registry.TestCase{Check: "regex"}); err == nil {
		t.Fatalf("expected error for unknown check")
	}
}

func TestHeuristicScoreStructure(t *testing.T) {
	h := harness.NewHeuristicScorer()
	ctx := context.Background()
	bench := registry.Benchmark{ID: "b"}

	if got, _ := h.Score(ctx, "", bench); got != 0 {
		t.Fatalf("empty content should score 0, got %v", got)
	}

	full := "# Deploy Guide\n\n## Steps\n\n- check quota\n- roll out\n\n## Rollback\n\n1. stop rollout\n" +
		strings.Repeat("Details about the rollout procedure. ", 6)
	fullScore, err := h.Score(ctx, full, bench)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if fullScore != 1.0 {
		t.Fatalf("well-formed doc should score 1.0, got %v", fullScore)
	}

	bare := "just some words with a TODO left in"
	bareScore, _ := h.Score(ctx, bare, bench)
	if bareScore >= fullScore {
		t.Fatalf("bare content (%v) should score below structured content (%v)", bareScore, fullScore)
	}

	again, _ := h.Score(ctx, full, bench)
	if again != fullScore {
		t.Fatalf("score must be deterministic: %v vs %v", again, fullScore)
	}
}
