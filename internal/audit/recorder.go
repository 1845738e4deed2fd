package audit

import (
	"context"

	"github.com/refineryhq/refinery/internal/signer"
)

// Event types recorded by the pipeline.
const (
	EventCycleStarted        = "cycle.started"
	EventCycleFinished       = "cycle.finished"
	EventProposalCreated     = "proposal.created"
	EventEvaluationCompleted = "evaluation.completed"
	EventDecisionRendered    = "decision.rendered"
	EventCommitApplied       = "commit.applied"
	EventRollbackExecuted    = "rollback.executed"
	EventReviewCreated       = "review.created"
	EventReviewResolved      = "review.resolved"
	EventWindowClosed        = "window.closed"
	EventAlertRaised         = "alert.raised"
	EventTargetCreated       = "target.created"
)

// Entity types used in audit keys.
const (
	EntityTarget     = "target"
	EntityCycle      = "cycle"
	EntityProposal   = "proposal"
	EntityEvaluation = "evaluation"
	EntityCommit     = "commit"
	EntityWindow     = "window"
	EntityReview     = "review"
)

// Recorder is the pipeline-facing append API. It builds keys of the form
// <category>/<entity_type>/<id> and extends the hash chain through the
// configured store.
type Recorder struct {
	store  Store
	signer signer.Signer
}

func NewRecorder(store Store, s signer.Signer) *Recorder {
	return &Recorder{store: store, signer: s}
}

// Record appends one audit entry. category is the target's category,
// entityType one of the Entity constants, id the entity's identifier.
func (r *Recorder) Record(ctx context.Context, category, entityType, id, eventType string, payload interface{}) error {
	if r == nil || r.store == nil {
		return nil
	}
	ev := &Entry{
		Key:       EntryKey(category, entityType, id),
		EventType: eventType,
		Payload:   payload,
	}
	return r.store.Append(ctx, ev, r.signer)
}
