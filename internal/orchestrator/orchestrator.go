// Package orchestrator sequences improvement cycles end to end and owns the
// per-target single-flight locks: propose, evaluate, decide, then commit,
// suspend for review or reject.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/commit"
	"github.com/refineryhq/refinery/internal/decision"
	"github.com/refineryhq/refinery/internal/harness"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/store"
)

var (
	// ErrCycleInFlight means another cycle holds the target's lock. Callers
	// fail fast; cycles are never queued.
	ErrCycleInFlight = errors.New("cycle already in flight for target")

	// ErrAwaitingReview means a suspended cycle is pending human review on
	// the target.
	ErrAwaitingReview = errors.New("target is awaiting human review")

	// ErrWindowActive means the target's latest commit is still under
	// post-commit monitoring.
	ErrWindowActive = errors.New("target has an active monitoring window")

	// ErrReviewResolved means the review was already approved or denied.
	ErrReviewResolved = errors.New("review already resolved")
)

type Orchestrator struct {
	store    store.Store
	engine   *proposal.Engine
	harness  *harness.Harness
	manager  *commit.Manager
	recorder *audit.Recorder
	reserved map[string]bool

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(st store.Store, eng *proposal.Engine, h *harness.Harness, mgr *commit.Manager, rec *audit.Recorder, reservedIDs []string) *Orchestrator {
	reserved := make(map[string]bool, len(reservedIDs))
	for _, id := range reservedIDs {
		reserved[id] = true
	}
	return &Orchestrator{
		store:    st,
		engine:   eng,
		harness:  h,
		manager:  mgr,
		recorder: rec,
		reserved: reserved,
		inFlight: map[string]bool{},
	}
}

func (o *Orchestrator) tryLock(targetID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[targetID] {
		return false
	}
	o.inFlight[targetID] = true
	return true
}

func (o *Orchestrator) unlock(targetID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, targetID)
}

// RunCycle executes one full improvement cycle for a target. A second
// concurrent call for the same target fails with ErrCycleInFlight; targets
// awaiting review or inside an active monitoring window are refused before a
// cycle row is created.
func (o *Orchestrator) RunCycle(ctx context.Context, targetID, goal string) (models.Cycle, error) {
	if !o.tryLock(targetID) {
		return models.Cycle{}, fmt.Errorf("target %s: %w", targetID, ErrCycleInFlight)
	}
	defer o.unlock(targetID)

	target, err := o.store.GetTarget(ctx, targetID)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("load target %s: %w", targetID, err)
	}
	if target.Frozen {
		return models.Cycle{}, fmt.Errorf("target %s: %w", target.ID, proposal.ErrFrozenTarget)
	}
	if o.reserved[target.ID] {
		return models.Cycle{}, fmt.Errorf("target %s is reserved: %w", target.ID, proposal.ErrFrozenTarget)
	}
	if target.AwaitingReview {
		return models.Cycle{}, fmt.Errorf("target %s: %w", target.ID, ErrAwaitingReview)
	}
	if _, err := o.store.ActiveWindowForTarget(ctx, targetID); err == nil {
		return models.Cycle{}, fmt.Errorf("target %s: %w", target.ID, ErrWindowActive)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Cycle{}, fmt.Errorf("check monitoring window for %s: %w", target.ID, err)
	}

	cycle, err := o.store.CreateCycle(ctx, store.CycleInput{TargetID: targetID, Goal: goal})
	if err != nil {
		return models.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}
	o.audit(ctx, target.Category, audit.EntityCycle, cycle.ID.String(), audit.EventCycleStarted, cycle)
	log.Printf("[orchestrator] cycle started: target=%s cycle=%s goal=%q", target.ID, cycle.ID, goal)

	return o.runCycle(ctx, target, cycle, goal)
}

func (o *Orchestrator) runCycle(ctx context.Context, target models.Target, cycle models.Cycle, goal string) (models.Cycle, error) {
	p, err := o.engine.Propose(ctx, target, goal)
	if err != nil {
		switch {
		case errors.Is(err, proposal.ErrNoDraft), errors.Is(err, proposal.ErrEmptyProposal):
			return o.finish(ctx, target, store.CycleFinish{ID: cycle.ID, Result: models.CycleNoProposal, Reason: err.Error()})
		case errors.Is(err, proposal.ErrTooManyEdits), errors.Is(err, proposal.ErrEditMismatch), errors.Is(err, proposal.ErrStaleBaseline):
			return o.finish(ctx, target, store.CycleFinish{ID: cycle.ID, Result: models.CycleRejected, Reason: err.Error()})
		default:
			o.abort(ctx, target, cycle.ID, nil, fmt.Sprintf("proposal engine failed: %v", err))
			return models.Cycle{}, fmt.Errorf("propose for %s: %w", target.ID, err)
		}
	}
	if err := o.store.InsertProposal(ctx, p); err != nil {
		o.abort(ctx, target, cycle.ID, nil, fmt.Sprintf("persist proposal: %v", err))
		return models.Cycle{}, fmt.Errorf("persist proposal %s: %w", p.ID, err)
	}
	o.audit(ctx, target.Category, audit.EntityProposal, p.ID.String(), audit.EventProposalCreated, p)

	candidate := proposal.Apply(target.Content, p.Changes)
	eval, err := o.harness.Evaluate(ctx, target, p, candidate)
	if err != nil {
		o.abort(ctx, target, cycle.ID, &p.ID, fmt.Sprintf("evaluation failed: %v", err))
		return models.Cycle{}, fmt.Errorf("evaluate proposal %s: %w", p.ID, err)
	}
	if err := o.store.InsertEvaluation(ctx, eval); err != nil {
		o.abort(ctx, target, cycle.ID, &p.ID, fmt.Sprintf("persist evaluation: %v", err))
		return models.Cycle{}, fmt.Errorf("persist evaluation %s: %w", eval.ID, err)
	}
	o.audit(ctx, target.Category, audit.EntityEvaluation, eval.ID.String(), audit.EventEvaluationCompleted, eval)

	verdict := decision.Decide(eval)
	o.audit(ctx, target.Category, audit.EntityEvaluation, eval.ID.String(), audit.EventDecisionRendered, verdict)
	log.Printf("[orchestrator] decision: target=%s cycle=%s outcome=%s reason=%q", target.ID, cycle.ID, verdict.Outcome, verdict.Reason)

	switch verdict.Outcome {
	case models.OutcomeAccept:
		c, err := o.manager.Commit(ctx, target, p, eval, candidate)
		if err != nil {
			o.abort(ctx, target, cycle.ID, &p.ID, fmt.Sprintf("commit failed: %v", err))
			return models.Cycle{}, fmt.Errorf("commit proposal %s: %w", p.ID, err)
		}
		return o.finish(ctx, target, store.CycleFinish{
			ID:         cycle.ID,
			Result:     models.CycleAccepted,
			Reason:     verdict.Reason,
			ProposalID: &p.ID,
			CommitID:   &c.ID,
		})
	case models.OutcomePending:
		review, err := o.store.CreateReview(ctx, store.ReviewInput{
			CycleID:      cycle.ID,
			ProposalID:   p.ID,
			EvaluationID: eval.ID,
			TargetID:     target.ID,
			Gates:        verdict.Gates,
		})
		if err != nil {
			o.abort(ctx, target, cycle.ID, &p.ID, fmt.Sprintf("create review: %v", err))
			return models.Cycle{}, fmt.Errorf("create review for cycle %s: %w", cycle.ID, err)
		}
		if _, err := o.store.SetTargetAwaitingReview(ctx, target.ID, true); err != nil {
			o.abort(ctx, target, cycle.ID, &p.ID, fmt.Sprintf("flag target for review: %v", err))
			return models.Cycle{}, fmt.Errorf("flag target %s for review: %w", target.ID, err)
		}
		o.audit(ctx, target.Category, audit.EntityReview, review.ID.String(), audit.EventReviewCreated, review)
		log.Printf("[orchestrator] cycle suspended for review: target=%s cycle=%s gates=%v", target.ID, cycle.ID, verdict.Gates)
		return o.finish(ctx, target, store.CycleFinish{
			ID:         cycle.ID,
			Result:     models.CyclePendingReview,
			Reason:     verdict.Reason,
			ProposalID: &p.ID,
		})
	default:
		return o.finish(ctx, target, store.CycleFinish{
			ID:         cycle.ID,
			Result:     models.CycleRejected,
			Reason:     verdict.Reason,
			ProposalID: &p.ID,
		})
	}
}

// Resolve applies a human decision to a pending review and finishes its
// suspended cycle. Approval re-runs the commit path, which refuses stale
// baselines; a refused approval rejects the cycle instead of committing.
func (o *Orchestrator) Resolve(ctx context.Context, reviewID uuid.UUID, approve bool, decidedBy, note string) (models.PendingReview, models.Cycle, error) {
	review, err := o.store.GetReview(ctx, reviewID)
	if err != nil {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("load review %s: %w", reviewID, err)
	}
	if review.Status != models.ReviewPending {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("review %s: %w", reviewID, ErrReviewResolved)
	}
	if !o.tryLock(review.TargetID) {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("target %s: %w", review.TargetID, ErrCycleInFlight)
	}
	defer o.unlock(review.TargetID)

	target, err := o.store.GetTarget(ctx, review.TargetID)
	if err != nil {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("load target %s: %w", review.TargetID, err)
	}

	status := models.ReviewDenied
	if approve {
		status = models.ReviewApproved
	}
	resolved, err := o.store.ResolveReview(ctx, store.ReviewResolution{ID: reviewID, Status: status, DecidedBy: decidedBy, Note: note})
	if err != nil {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("resolve review %s: %w", reviewID, err)
	}
	if _, err := o.store.SetTargetAwaitingReview(ctx, target.ID, false); err != nil {
		return models.PendingReview{}, models.Cycle{}, fmt.Errorf("clear review flag on %s: %w", target.ID, err)
	}
	o.audit(ctx, target.Category, audit.EntityReview, resolved.ID.String(), audit.EventReviewResolved, resolved)
	log.Printf("[orchestrator] review resolved: review=%s target=%s status=%s by=%s", resolved.ID, target.ID, resolved.Status, decidedBy)

	if !approve {
		reason := "human review denied"
		if note != "" {
			reason += ": " + note
		}
		cycle, err := o.finish(ctx, target, store.CycleFinish{
			ID:         review.CycleID,
			Result:     models.CycleRejected,
			Reason:     reason,
			ProposalID: &review.ProposalID,
		})
		return resolved, cycle, err
	}

	p, err := o.store.GetProposal(ctx, review.ProposalID)
	if err != nil {
		return resolved, models.Cycle{}, fmt.Errorf("load proposal %s: %w", review.ProposalID, err)
	}
	eval, err := o.store.GetEvaluationByProposal(ctx, review.ProposalID)
	if err != nil {
		return resolved, models.Cycle{}, fmt.Errorf("load evaluation for proposal %s: %w", review.ProposalID, err)
	}

	candidate := proposal.Apply(target.Content, p.Changes)
	c, err := o.manager.Commit(ctx, target, p, eval, candidate)
	if err != nil {
		// The approval stands but nothing lands; the commit path already
		// refused, stale baselines included.
		log.Printf("[orchestrator] approved review %s could not commit: %v", reviewID, err)
		cycle, ferr := o.finish(ctx, target, store.CycleFinish{
			ID:         review.CycleID,
			Result:     models.CycleRejected,
			Reason:     fmt.Sprintf("approval refused: %v", err),
			ProposalID: &review.ProposalID,
		})
		return resolved, cycle, ferr
	}
	cycle, err := o.finish(ctx, target, store.CycleFinish{
		ID:         review.CycleID,
		Result:     models.CycleAccepted,
		Reason:     fmt.Sprintf("accepted: approved by %s", decidedBy),
		ProposalID: &review.ProposalID,
		CommitID:   &c.ID,
	})
	return resolved, cycle, err
}

// RollbackCommit reverts a commit under the target's cycle lock so a rollback
// never races an improvement cycle on the same content. The monitor and the
// HTTP rollback endpoint both come through here.
func (o *Orchestrator) RollbackCommit(ctx context.Context, commitID uuid.UUID, reason string, evidence []models.Alert) (models.Commit, error) {
	c, err := o.store.GetCommit(ctx, commitID)
	if err != nil {
		return models.Commit{}, fmt.Errorf("load commit %s: %w", commitID, err)
	}
	if !o.tryLock(c.TargetID) {
		return models.Commit{}, fmt.Errorf("target %s: %w", c.TargetID, ErrCycleInFlight)
	}
	defer o.unlock(c.TargetID)
	return o.manager.Rollback(ctx, commitID, reason, evidence)
}

func (o *Orchestrator) finish(ctx context.Context, target models.Target, fin store.CycleFinish) (models.Cycle, error) {
	done, err := o.store.FinishCycle(ctx, fin)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("finish cycle %s: %w", fin.ID, err)
	}
	o.audit(ctx, target.Category, audit.EntityCycle, done.ID.String(), audit.EventCycleFinished, done)
	log.Printf("[orchestrator] cycle finished: target=%s cycle=%s result=%s", target.ID, done.ID, done.Result)
	return done, nil
}

// abort finishes a cycle as REJECTED after an infrastructure failure. The
// underlying error still reaches the caller; this only avoids leaving the
// cycle row dangling without a result.
func (o *Orchestrator) abort(ctx context.Context, target models.Target, cycleID uuid.UUID, proposalID *uuid.UUID, reason string) {
	if _, err := o.finish(ctx, target, store.CycleFinish{ID: cycleID, Result: models.CycleRejected, Reason: reason, ProposalID: proposalID}); err != nil {
		log.Printf("[orchestrator] abort cycle %s: %v", cycleID, err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, category, entityType, id, event string, payload interface{}) {
	if err := o.recorder.Record(ctx, category, entityType, id, event, payload); err != nil {
		log.Printf("[orchestrator] audit %s %s: %v", event, id, err)
	}
}
