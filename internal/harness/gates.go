package harness

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/refineryhq/refinery/internal/models"
)

// Human-gate identifiers. Fired gates are reported sorted on the evaluation
// and route the verdict to PENDING_HUMAN_REVIEW.
const (
	GateAuditorDisagreement = "auditor_disagreement"
	GateBreakingChange      = "breaking_change"
	GateLargeRewrite        = "large_rewrite"
	GateNovelPattern        = "novel_pattern"
)

// auditorDisagreementMin is the dissenting-vote count at which the
// auditor_disagreement gate fires.
const auditorDisagreementMin = 3

// proposalMetadata is the subset of generator annotations the gates read.
type proposalMetadata struct {
	BreakingChange      bool `json:"breaking_change"`
	NovelPattern        bool `json:"novel_pattern"`
	AuditorDisagreement int  `json:"auditor_disagreement"`
}

// TriggeredGates evaluates the built-in gate predicates against a proposal
// and the baseline content it edits. The result is sorted and duplicate-free.
func TriggeredGates(p models.Proposal, baseline string) []string {
	var meta proposalMetadata
	if len(p.Metadata) > 0 {
		if err := json.Unmarshal(p.Metadata, &meta); err != nil {
			log.Printf("[harness] proposal %s: ignoring malformed metadata: %v", p.ID, err)
			meta = proposalMetadata{}
		}
	}

	set := make(map[string]struct{}, 4)
	if meta.BreakingChange {
		set[GateBreakingChange] = struct{}{}
	}
	if meta.NovelPattern {
		set[GateNovelPattern] = struct{}{}
	}
	if meta.AuditorDisagreement >= auditorDisagreementMin {
		set[GateAuditorDisagreement] = struct{}{}
	}

	var replaced int
	for _, e := range p.Changes {
		if e.Before != "" && e.After == "" {
			set[GateBreakingChange] = struct{}{}
		}
		replaced += len(e.Before)
	}
	if len(baseline) > 0 && replaced*2 > len(baseline) {
		set[GateLargeRewrite] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
