package proposal_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/proposal"
)

func baseTarget() models.Target {
	return models.Target{
		ID:             "skills/deploy",
		Category:       "skill",
		CurrentVersion: "2.1.0",
		Content:        "# Deploy\n\nShip the change carefully and verify the rollout.",
	}
}

func TestProposeStampsBaselineAndGoal(t *testing.T) {
	gen := proposal.NewStaticGenerator(proposal.Draft{
		Changes:              []models.Edit{{Before: "carefully", After: "in two phases", Rationale: "clarify process"}},
		PredictedImprovement: 0.08,
		Metadata:             json.RawMessage(`{"novel_pattern": false}`),
	})
	eng := proposal.NewEngine(gen, nil, 0)

	p, err := eng.Propose(context.Background(), baseTarget(), "tighten the rollout steps")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Fatalf("missing proposal id")
	}
	if p.TargetID != "skills/deploy" || p.BaselineVersion != "2.1.0" {
		t.Fatalf("bad stamping: %+v", p)
	}
	if p.Goal != "tighten the rollout steps" {
		t.Fatalf("goal not carried: %q", p.Goal)
	}
	if p.PredictedImprovement != 0.08 {
		t.Fatalf("predicted improvement not carried: %v", p.PredictedImprovement)
	}
	if len(p.Metadata) == 0 {
		t.Fatalf("metadata not carried")
	}
	if p.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}
}

func TestProposeRefusesFrozenTarget(t *testing.T) {
	eng := proposal.NewEngine(proposal.NewStaticGenerator(), nil, 0)
	target := baseTarget()
	target.Frozen = true
	_, err := eng.Propose(context.Background(), target, "goal")
	if !errors.Is(err, proposal.ErrFrozenTarget) {
		t.Fatalf("expected ErrFrozenTarget, got %v", err)
	}
}

func TestProposeRefusesReservedTarget(t *testing.T) {
	eng := proposal.NewEngine(proposal.NewStaticGenerator(), []string{"eval-harness"}, 0)
	target := baseTarget()
	target.ID = "eval-harness"
	_, err := eng.Propose(context.Background(), target, "goal")
	if !errors.Is(err, proposal.ErrFrozenTarget) {
		t.Fatalf("expected ErrFrozenTarget, got %v", err)
	}
}

func TestProposeEmptyDraft(t *testing.T) {
	gen := proposal.NewStaticGenerator(proposal.Draft{})
	eng := proposal.NewEngine(gen, nil, 0)
	_, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if !errors.Is(err, proposal.ErrEmptyProposal) {
		t.Fatalf("expected ErrEmptyProposal, got %v", err)
	}
}

func TestProposeExhaustedGenerator(t *testing.T) {
	eng := proposal.NewEngine(proposal.NewStaticGenerator(), nil, 0)
	_, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if !errors.Is(err, proposal.ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestProposeRejectsOversizedDrafts(t *testing.T) {
	edits := make([]models.Edit, 6)
	for i := range edits {
		edits[i] = models.Edit{Before: "rollout", After: "deployment"}
	}
	gen := proposal.NewStaticGenerator(proposal.Draft{Changes: edits})
	eng := proposal.NewEngine(gen, nil, 0)
	_, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if !errors.Is(err, proposal.ErrTooManyEdits) {
		t.Fatalf("expected ErrTooManyEdits, got %v", err)
	}
}

func TestProposeRejectsMismatchedEdit(t *testing.T) {
	gen := proposal.NewStaticGenerator(proposal.Draft{
		Changes: []models.Edit{{Before: "text that is not there", After: "x"}},
	})
	eng := proposal.NewEngine(gen, nil, 0)
	_, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if !errors.Is(err, proposal.ErrEditMismatch) {
		t.Fatalf("expected ErrEditMismatch, got %v", err)
	}
}

func TestProposeRejectsEmptyEdit(t *testing.T) {
	gen := proposal.NewStaticGenerator(proposal.Draft{
		Changes: []models.Edit{{Location: "Notes"}},
	})
	eng := proposal.NewEngine(gen, nil, 0)
	_, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if !errors.Is(err, proposal.ErrEditMismatch) {
		t.Fatalf("expected ErrEditMismatch for empty edit, got %v", err)
	}
}

func TestProposeAllowsAppendEdit(t *testing.T) {
	gen := proposal.NewStaticGenerator(proposal.Draft{
		Changes: []models.Edit{{Location: "Verification", After: "Check the dashboards after rollout.", Rationale: "add verification"}},
	})
	eng := proposal.NewEngine(gen, nil, 0)
	p, err := eng.Propose(context.Background(), baseTarget(), "goal")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(p.Changes) != 1 || p.Changes[0].Location != "Verification" {
		t.Fatalf("unexpected changes: %+v", p.Changes)
	}
}
