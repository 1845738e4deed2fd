package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/store"
)

func TestMemoryStoreTargetLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	created, err := st.CreateTarget(ctx, store.TargetInput{
		ID:       "skills/deploy",
		Category: "skill",
		Content:  "# Deploy",
	})
	assert.NoError(t, err)
	assert.Equal(t, "1.0.0", created.CurrentVersion)
	assert.False(t, created.Frozen)
	assert.False(t, created.AwaitingReview)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := st.GetTarget(ctx, "skills/deploy")
	assert.NoError(t, err)
	assert.Equal(t, "# Deploy", got.Content)

	updated, err := st.UpdateTargetContent(ctx, store.TargetContentUpdate{
		ID:      "skills/deploy",
		Content: "# Deploy, revised",
		Version: "1.1.0",
	})
	assert.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.CurrentVersion)
	assert.Equal(t, "# Deploy, revised", updated.Content)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	flagged, err := st.SetTargetAwaitingReview(ctx, "skills/deploy", true)
	assert.NoError(t, err)
	assert.True(t, flagged.AwaitingReview)

	_, err = st.GetTarget(ctx, "skills/ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.UpdateTargetContent(ctx, store.TargetContentUpdate{ID: "skills/ghost", Content: "x", Version: "1.0.1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.SetTargetAwaitingReview(ctx, "skills/ghost", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreListTargetsFilterAndPage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	for _, in := range []store.TargetInput{
		{ID: "skills/review", Category: "skill", Content: "r"},
		{ID: "prompts/triage", Category: "prompt", Content: "t"},
		{ID: "skills/deploy", Category: "skill", Content: "d"},
	} {
		if _, err := st.CreateTarget(ctx, in); err != nil {
			t.Fatalf("CreateTarget %s: %v", in.ID, err)
		}
	}

	all, err := st.ListTargets(ctx, store.ListTargetsFilter{})
	assert.NoError(t, err)
	if assert.Len(t, all, 3) {
		assert.Equal(t, "prompts/triage", all[0].ID)
		assert.Equal(t, "skills/deploy", all[1].ID)
		assert.Equal(t, "skills/review", all[2].ID)
	}

	skills, err := st.ListTargets(ctx, store.ListTargetsFilter{Category: "skill"})
	assert.NoError(t, err)
	assert.Len(t, skills, 2)

	page, err := st.ListTargets(ctx, store.ListTargetsFilter{Limit: 1, Offset: 2})
	assert.NoError(t, err)
	if assert.Len(t, page, 1) {
		assert.Equal(t, "skills/review", page[0].ID)
	}
}

func TestMemoryStoreChangelogKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	proposalID := uuid.New()

	for _, in := range []store.ChangeRecordInput{
		{TargetID: "skills/deploy", Version: "1.1.0", Kind: models.ChangeKindImprovement, Summary: "tightened wording", Delta: 0.2, ProposalID: &proposalID},
		{TargetID: "skills/deploy", Version: "1.1.1", Kind: models.ChangeKindRollback, Summary: "restored baseline"},
		{TargetID: "skills/review", Version: "1.1.0", Kind: models.ChangeKindImprovement, Summary: "other target"},
	} {
		rec, err := st.AppendChangeRecord(ctx, in)
		assert.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
	}

	records, err := st.ListChangelog(ctx, "skills/deploy")
	assert.NoError(t, err)
	if assert.Len(t, records, 2) {
		assert.Equal(t, models.ChangeKindImprovement, records[0].Kind)
		assert.Equal(t, models.ChangeKindRollback, records[1].Kind)
		if assert.NotNil(t, records[0].ProposalID) {
			assert.Equal(t, proposalID, *records[0].ProposalID)
		}
		assert.Nil(t, records[1].ProposalID)
	}
}

func TestMemoryStoreProposalCopyIsolation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	p := models.Proposal{
		ID:              uuid.New(),
		TargetID:        "skills/deploy",
		BaselineVersion: "1.0.0",
		Goal:            "tighten the intro",
		Changes: []models.Edit{
			{Location: "intro", Before: "old wording", After: "new wording", Rationale: "clearer"},
		},
		PredictedImprovement: 0.1,
		Metadata:             json.RawMessage(`{"source":"unit"}`),
		CreatedAt:            time.Now().UTC(),
	}
	assert.NoError(t, st.InsertProposal(ctx, p))

	got, err := st.GetProposal(ctx, p.ID)
	assert.NoError(t, err)
	assert.Equal(t, p.Goal, got.Goal)
	if assert.Len(t, got.Changes, 1) {
		got.Changes[0].After = "mutated by caller"
	}

	again, err := st.GetProposal(ctx, p.ID)
	assert.NoError(t, err)
	assert.Equal(t, "new wording", again.Changes[0].After)

	_, err = st.GetProposal(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreEvaluationRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	proposalID := uuid.New()

	ev := models.EvaluationResult{
		ID:         uuid.New(),
		ProposalID: proposalID,
		TargetID:   "skills/deploy",
		BenchmarkScores: map[string]models.BenchmarkScore{
			"b.alpha": {Score: 0.9, Minimum: 0.6, Pass: true},
		},
		BaselineScores:    map[string]float64{"b.alpha": 0.7},
		RegressionResults: map[string]models.SuiteResult{"s.core": {PassedCount: 2}},
		ImprovementDelta:  0.2,
		Mode:              models.EvaluationModeHeuristic,
		EvaluatedAt:       time.Now().UTC(),
	}
	assert.NoError(t, st.InsertEvaluation(ctx, ev))

	got, err := st.GetEvaluationByProposal(ctx, proposalID)
	assert.NoError(t, err)
	assert.Equal(t, 0.2, got.ImprovementDelta)
	assert.Equal(t, models.EvaluationModeHeuristic, got.Mode)
	assert.Equal(t, 0.9, got.BenchmarkScores["b.alpha"].Score)
	assert.Equal(t, 2, got.RegressionResults["s.core"].PassedCount)

	_, err = st.GetEvaluationByProposal(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreCycleLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first, err := st.CreateCycle(ctx, store.CycleInput{TargetID: "skills/deploy", Goal: "tighten wording"})
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Empty(t, first.Result)
	assert.Nil(t, first.FinishedAt)

	proposalID := uuid.New()
	finished, err := st.FinishCycle(ctx, store.CycleFinish{
		ID:         first.ID,
		Result:     models.CycleRejected,
		Reason:     "no improvement",
		ProposalID: &proposalID,
	})
	assert.NoError(t, err)
	assert.Equal(t, models.CycleRejected, finished.Result)
	assert.Equal(t, "no improvement", finished.Reason)
	assert.NotNil(t, finished.FinishedAt)
	if assert.NotNil(t, finished.ProposalID) {
		assert.Equal(t, proposalID, *finished.ProposalID)
	}

	_, err = st.FinishCycle(ctx, store.CycleFinish{ID: uuid.New(), Result: models.CycleRejected})
	assert.ErrorIs(t, err, store.ErrNotFound)

	time.Sleep(2 * time.Millisecond)
	second, err := st.CreateCycle(ctx, store.CycleInput{TargetID: "skills/review", Goal: "shorter checklist"})
	assert.NoError(t, err)

	all, err := st.ListCycles(ctx, store.ListCyclesFilter{})
	assert.NoError(t, err)
	if assert.Len(t, all, 2) {
		assert.Equal(t, second.ID, all[0].ID)
		assert.Equal(t, first.ID, all[1].ID)
	}

	forTarget, err := st.ListCycles(ctx, store.ListCyclesFilter{TargetID: "skills/review"})
	assert.NoError(t, err)
	assert.Len(t, forTarget, 1)
}

func TestMemoryStoreCommitRollbackExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first, err := st.CreateCommit(ctx, store.CommitInput{
		ProposalID:      uuid.New(),
		TargetID:        "skills/deploy",
		FromVersion:     "1.0.0",
		ToVersion:       "1.1.0",
		ArchiveKey:      "skills/deploy/1.0.0",
		ArchiveDigest:   "sha256:abc",
		BenchmarkScores: map[string]float64{"b.alpha": 0.9},
	})
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)

	time.Sleep(2 * time.Millisecond)
	second, err := st.CreateCommit(ctx, store.CommitInput{
		ProposalID:  uuid.New(),
		TargetID:    "skills/review",
		FromVersion: "1.0.0",
		ToVersion:   "1.1.0",
	})
	assert.NoError(t, err)

	all, err := st.ListCommits(ctx, store.ListCommitsFilter{})
	assert.NoError(t, err)
	if assert.Len(t, all, 2) {
		assert.Equal(t, second.ID, all[0].ID)
		assert.Equal(t, first.ID, all[1].ID)
	}

	rolled, err := st.MarkCommitRolledBack(ctx, first.ID, "manual operator rollback")
	assert.NoError(t, err)
	assert.True(t, rolled.RolledBack)
	assert.Equal(t, "manual operator rollback", rolled.RollbackReason)
	assert.NotNil(t, rolled.RolledBackAt)
	assert.Equal(t, 0.9, rolled.BenchmarkScores["b.alpha"])

	_, err = st.MarkCommitRolledBack(ctx, first.ID, "again")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.MarkCommitRolledBack(ctx, uuid.New(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rolledBack := true
	onlyRolled, err := st.ListCommits(ctx, store.ListCommitsFilter{RolledBack: &rolledBack})
	assert.NoError(t, err)
	if assert.Len(t, onlyRolled, 1) {
		assert.Equal(t, first.ID, onlyRolled[0].ID)
	}
}

func TestMemoryStoreClaimDueWindows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	mkWindow := func(targetID string, due time.Time) models.MonitoringWindow {
		t.Helper()
		w, err := st.CreateWindow(ctx, store.WindowInput{
			CommitID:    uuid.New(),
			TargetID:    targetID,
			OpenedAt:    now.Add(-3 * time.Hour),
			ExpiresAt:   now.Add(21 * time.Hour),
			NextCheckAt: due,
		})
		if err != nil {
			t.Fatalf("CreateWindow %s: %v", targetID, err)
		}
		return w
	}

	oldest := mkWindow("skills/deploy", now.Add(-2*time.Hour))
	older := mkWindow("skills/review", now.Add(-1*time.Hour))
	mkWindow("skills/triage", now.Add(time.Hour))
	closed := mkWindow("skills/audit", now.Add(-30*time.Minute))
	if _, err := st.UpdateWindowStatus(ctx, closed.ID, models.WindowClosedClean); err != nil {
		t.Fatalf("UpdateWindowStatus: %v", err)
	}

	bump := now.Add(10 * time.Minute)
	first, err := st.ClaimDueWindows(ctx, 1, bump)
	assert.NoError(t, err)
	if assert.Len(t, first, 1) {
		assert.Equal(t, oldest.ID, first[0].ID)
		assert.True(t, first[0].NextCheckAt.Equal(oldest.NextCheckAt))
	}

	second, err := st.ClaimDueWindows(ctx, 10, bump)
	assert.NoError(t, err)
	if assert.Len(t, second, 1) {
		assert.Equal(t, older.ID, second[0].ID)
	}

	bumped, err := st.GetWindowByCommit(ctx, oldest.CommitID)
	assert.NoError(t, err)
	assert.True(t, bumped.NextCheckAt.Equal(bump))

	third, err := st.ClaimDueWindows(ctx, 10, bump)
	assert.NoError(t, err)
	assert.Empty(t, third)
}

func TestMemoryStoreWindowAlertsAndStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	w, err := st.CreateWindow(ctx, store.WindowInput{
		CommitID:    uuid.New(),
		TargetID:    "skills/deploy",
		OpenedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
		NextCheckAt: now.Add(time.Hour),
	})
	assert.NoError(t, err)
	assert.Equal(t, models.WindowActive, w.Status)

	active, err := st.ActiveWindowForTarget(ctx, "skills/deploy")
	assert.NoError(t, err)
	assert.Equal(t, w.ID, active.ID)

	withAlert, err := st.AppendWindowAlert(ctx, w.ID, models.Alert{
		Metric: "b.alpha", Baseline: 0.9, Current: 0.5, Delta: -0.4,
	})
	assert.NoError(t, err)
	if assert.Len(t, withAlert.Alerts, 1) {
		assert.Equal(t, "b.alpha", withAlert.Alerts[0].Metric)
	}

	closed, err := st.UpdateWindowStatus(ctx, w.ID, models.WindowCancelledRollback)
	assert.NoError(t, err)
	assert.Equal(t, models.WindowCancelledRollback, closed.Status)

	_, err = st.ActiveWindowForTarget(ctx, "skills/deploy")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cancelled, err := st.ListWindows(ctx, store.ListWindowsFilter{Status: models.WindowCancelledRollback})
	assert.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestMemoryStoreReviewResolveExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	created, err := st.CreateReview(ctx, store.ReviewInput{
		CycleID:      uuid.New(),
		ProposalID:   uuid.New(),
		EvaluationID: uuid.New(),
		TargetID:     "skills/deploy",
		Gates:        []string{"deletion"},
	})
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, models.ReviewPending, created.Status)

	pending, err := st.ListReviews(ctx, store.ListReviewsFilter{Status: models.ReviewPending})
	assert.NoError(t, err)
	assert.Len(t, pending, 1)

	resolved, err := st.ResolveReview(ctx, store.ReviewResolution{
		ID:        created.ID,
		Status:    models.ReviewApproved,
		DecidedBy: "maya@ops",
		Note:      "checked the diff",
	})
	assert.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, resolved.Status)
	assert.Equal(t, "maya@ops", resolved.DecidedBy)
	assert.NotNil(t, resolved.DecidedAt)

	_, err = st.ResolveReview(ctx, store.ReviewResolution{ID: created.ID, Status: models.ReviewDenied})
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err = st.ListReviews(ctx, store.ListReviewsFilter{Status: models.ReviewPending})
	assert.NoError(t, err)
	assert.Empty(t, pending)
}
