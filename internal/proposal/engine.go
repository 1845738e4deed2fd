// Package proposal turns improvement goals into validated change proposals.
// The engine owns structural validation; drafting the edits themselves is the
// generator's job.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
)

var (
	// ErrFrozenTarget refuses any modification of a frozen or reserved target.
	ErrFrozenTarget = errors.New("target is frozen")
	// ErrEmptyProposal means the generator returned a draft with no changes.
	ErrEmptyProposal = errors.New("proposal has no changes")
	// ErrTooManyEdits rejects oversized drafts outright; they are never
	// truncated down to the limit.
	ErrTooManyEdits = errors.New("proposal exceeds edit limit")
	// ErrEditMismatch means an edit's before-text does not occur in the
	// baseline content.
	ErrEditMismatch = errors.New("edit does not match baseline content")
	// ErrStaleBaseline means the proposal was drafted against a version that
	// is no longer the target's current one.
	ErrStaleBaseline = errors.New("proposal baseline is stale")
)

// DefaultMaxEdits bounds the number of edits a single proposal may carry.
const DefaultMaxEdits = 5

type Engine struct {
	gen      Generator
	maxEdits int
	reserved map[string]struct{}
}

// NewEngine builds a proposal engine. reservedIDs are refused like frozen
// targets; maxEdits <= 0 selects DefaultMaxEdits.
func NewEngine(gen Generator, reservedIDs []string, maxEdits int) *Engine {
	if maxEdits <= 0 {
		maxEdits = DefaultMaxEdits
	}
	reserved := make(map[string]struct{}, len(reservedIDs))
	for _, id := range reservedIDs {
		reserved[id] = struct{}{}
	}
	return &Engine{gen: gen, maxEdits: maxEdits, reserved: reserved}
}

// Propose asks the generator for a draft and validates its structure. The
// baseline version is stamped from the live target at call time. Propose has
// no side effects on the target or the version store.
func (e *Engine) Propose(ctx context.Context, target models.Target, goal string) (models.Proposal, error) {
	if target.Frozen {
		return models.Proposal{}, fmt.Errorf("target %s: %w", target.ID, ErrFrozenTarget)
	}
	if _, ok := e.reserved[target.ID]; ok {
		return models.Proposal{}, fmt.Errorf("target %s is reserved: %w", target.ID, ErrFrozenTarget)
	}

	draft, err := e.gen.Generate(ctx, Request{
		TargetID:        target.ID,
		Category:        target.Category,
		BaselineVersion: target.CurrentVersion,
		Content:         target.Content,
		Goal:            goal,
	})
	if err != nil {
		return models.Proposal{}, fmt.Errorf("generate draft for %s: %w", target.ID, err)
	}

	if len(draft.Changes) == 0 {
		return models.Proposal{}, fmt.Errorf("target %s: %w", target.ID, ErrEmptyProposal)
	}
	if len(draft.Changes) > e.maxEdits {
		return models.Proposal{}, fmt.Errorf("target %s: %d edits, limit %d: %w", target.ID, len(draft.Changes), e.maxEdits, ErrTooManyEdits)
	}
	for i, ed := range draft.Changes {
		if ed.Before == "" && ed.After == "" {
			return models.Proposal{}, fmt.Errorf("edit %d is empty: %w", i, ErrEditMismatch)
		}
		if ed.Before != "" && !strings.Contains(target.Content, ed.Before) {
			return models.Proposal{}, fmt.Errorf("edit %d: %w", i, ErrEditMismatch)
		}
	}

	return models.Proposal{
		ID:                   uuid.New(),
		TargetID:             target.ID,
		BaselineVersion:      target.CurrentVersion,
		Goal:                 goal,
		Changes:              draft.Changes,
		PredictedImprovement: draft.PredictedImprovement,
		Metadata:             draft.Metadata,
		CreatedAt:            time.Now().UTC(),
	}, nil
}
