package commit_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/commit"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/store"
	"github.com/refineryhq/refinery/internal/versionstore"
)

const baselineContent = "# Deploy\n\nShip the change carefully and verify the rollout."

func newFixture(t *testing.T) (*commit.Manager, *store.MemoryStore, *versionstore.FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	archive, err := versionstore.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	st := store.NewMemoryStore()
	mgr := commit.NewManager(st, archive, nil, commit.ManagerConfig{
		WindowDuration:  7 * 24 * time.Hour,
		RecheckInterval: time.Hour,
	})
	return mgr, st, archive, dir
}

func seedTarget(t *testing.T, st *store.MemoryStore) models.Target {
	t.Helper()
	target, err := st.CreateTarget(context.Background(), store.TargetInput{
		ID:       "skills/deploy",
		Category: "skill",
		Content:  baselineContent,
	})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	return target
}

func passingEval(p models.Proposal) models.EvaluationResult {
	return models.EvaluationResult{
		ID:         uuid.New(),
		ProposalID: p.ID,
		TargetID:   p.TargetID,
		BenchmarkScores: map[string]models.BenchmarkScore{
			"skill.clarity": {Score: 0.9, Minimum: 0.7, Pass: true},
		},
		BaselineScores:    map[string]float64{"skill.clarity": 0.75},
		RegressionResults: map[string]models.SuiteResult{"skill.structure": {PassedCount: 4}},
		ImprovementDelta:  0.15,
		Mode:              models.EvaluationModeScorer,
		EvaluatedAt:       time.Now().UTC(),
	}
}

func draftProposal(target models.Target) models.Proposal {
	return models.Proposal{
		ID:              uuid.New(),
		TargetID:        target.ID,
		BaselineVersion: target.CurrentVersion,
		Goal:            "tighten the rollout wording",
		Changes:         []models.Edit{{Before: "carefully", After: "in two phases", Rationale: "stage the rollout"}},
		CreatedAt:       time.Now().UTC(),
	}
}

func TestCommitArchivesThenWrites(t *testing.T) {
	mgr, st, archive, _ := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)
	candidate := "# Deploy\n\nShip the change in two phases and verify the rollout."

	c, err := mgr.Commit(ctx, target, p, passingEval(p), candidate)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.FromVersion != "1.0.0" || c.ToVersion != "1.1.0" {
		t.Fatalf("unexpected versions: %+v", c)
	}

	archived, err := archive.Restore(ctx, c.ArchiveKey)
	if err != nil {
		t.Fatalf("restore archived baseline: %v", err)
	}
	if string(archived) != baselineContent {
		t.Fatalf("archive holds wrong bytes: %q", archived)
	}
	if c.ArchiveDigest != versionstore.Digest([]byte(baselineContent)) {
		t.Fatalf("digest mismatch on commit row")
	}
	if c.BenchmarkScores["skill.clarity"] != 0.9 {
		t.Fatalf("commit should carry candidate scores: %+v", c.BenchmarkScores)
	}

	live, err := st.GetTarget(ctx, target.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if live.Content != candidate || live.CurrentVersion != "1.1.0" {
		t.Fatalf("live target not updated: %+v", live)
	}

	window, err := st.GetWindowByCommit(ctx, c.ID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if window.Status != models.WindowActive {
		t.Fatalf("window should open ACTIVE, got %s", window.Status)
	}
	if d := window.ExpiresAt.Sub(window.OpenedAt); d != 7*24*time.Hour {
		t.Fatalf("unexpected window duration: %v", d)
	}

	changelog, err := st.ListChangelog(ctx, target.ID)
	if err != nil {
		t.Fatalf("changelog: %v", err)
	}
	if len(changelog) != 1 || changelog[0].Kind != models.ChangeKindImprovement {
		t.Fatalf("unexpected changelog: %+v", changelog)
	}
	if changelog[0].Delta != 0.15 || changelog[0].Version != "1.1.0" {
		t.Fatalf("changelog entry incomplete: %+v", changelog[0])
	}
}

func TestCommitArchiveCollisionAbortsBeforeWrite(t *testing.T) {
	mgr, st, archive, _ := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)

	if _, err := archive.Archive(ctx, target.ID, target.CurrentVersion, []byte("occupied")); err != nil {
		t.Fatalf("pre-occupy archive: %v", err)
	}

	_, err := mgr.Commit(ctx, target, p, passingEval(p), "candidate content")
	if !errors.Is(err, versionstore.ErrArchiveExists) {
		t.Fatalf("expected ErrArchiveExists, got %v", err)
	}

	live, _ := st.GetTarget(ctx, target.ID)
	if live.Content != baselineContent || live.CurrentVersion != "1.0.0" {
		t.Fatalf("target must stay untouched on collision: %+v", live)
	}
}

func TestCommitRefusesStaleProposal(t *testing.T) {
	mgr, st, _, _ := newFixture(t)
	target := seedTarget(t, st)
	p := draftProposal(target)
	p.BaselineVersion = "0.9.0"

	_, err := mgr.Commit(context.Background(), target, p, passingEval(p), "candidate")
	if !errors.Is(err, proposal.ErrStaleBaseline) {
		t.Fatalf("expected ErrStaleBaseline, got %v", err)
	}
}

func TestRollbackRestoresArchivedBytes(t *testing.T) {
	mgr, st, _, _ := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)

	c, err := mgr.Commit(ctx, target, p, passingEval(p), "worse content that must go")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	rolled, err := mgr.Rollback(ctx, c.ID, "clarity dropped 12% during monitoring", []models.Alert{
		{Metric: "skill.clarity", Baseline: 0.9, Current: 0.79, Delta: -0.11},
	})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !rolled.RolledBack || rolled.RollbackReason == "" {
		t.Fatalf("commit not marked rolled back: %+v", rolled)
	}

	live, _ := st.GetTarget(ctx, target.ID)
	if live.Content != baselineContent {
		t.Fatalf("content not restored exactly: %q", live.Content)
	}
	if live.CurrentVersion != "1.1.1" {
		t.Fatalf("rollback must patch-bump, got %s", live.CurrentVersion)
	}

	window, _ := st.GetWindowByCommit(ctx, c.ID)
	if window.Status != models.WindowCancelledRollback {
		t.Fatalf("window should be CANCELLED_ROLLBACK, got %s", window.Status)
	}

	changelog, _ := st.ListChangelog(ctx, target.ID)
	if len(changelog) != 2 || changelog[1].Kind != models.ChangeKindRollback {
		t.Fatalf("missing rollback changelog entry: %+v", changelog)
	}
}

func TestRollbackFlipsExactlyOnce(t *testing.T) {
	mgr, st, _, _ := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)

	c, err := mgr.Commit(ctx, target, p, passingEval(p), "candidate")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := mgr.Rollback(ctx, c.ID, "first", nil); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if _, err := mgr.Rollback(ctx, c.ID, "second", nil); !errors.Is(err, commit.ErrAlreadyRolledBack) {
		t.Fatalf("expected ErrAlreadyRolledBack, got %v", err)
	}

	live, _ := st.GetTarget(ctx, target.ID)
	if live.CurrentVersion != "1.1.1" {
		t.Fatalf("second rollback must not bump again: %s", live.CurrentVersion)
	}
}

func TestRollbackRequiresActiveWindow(t *testing.T) {
	mgr, st, _, _ := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)

	c, err := mgr.Commit(ctx, target, p, passingEval(p), "candidate")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	window, _ := st.GetWindowByCommit(ctx, c.ID)
	if _, err := st.UpdateWindowStatus(ctx, window.ID, models.WindowClosedClean); err != nil {
		t.Fatalf("close window: %v", err)
	}

	_, err = mgr.Rollback(ctx, c.ID, "too late", nil)
	if !errors.Is(err, commit.ErrWindowNotActive) {
		t.Fatalf("expected ErrWindowNotActive, got %v", err)
	}
}

func TestRollbackMissingArchiveLeavesContentUntouched(t *testing.T) {
	mgr, st, _, dir := newFixture(t)
	ctx := context.Background()
	target := seedTarget(t, st)
	p := draftProposal(target)

	c, err := mgr.Commit(ctx, target, p, passingEval(p), "candidate content")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove archive dir: %v", err)
	}

	_, err = mgr.Rollback(ctx, c.ID, "detected regression", nil)
	if !errors.Is(err, versionstore.ErrArchiveNotFound) {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}

	live, _ := st.GetTarget(ctx, target.ID)
	if live.Content != "candidate content" || live.CurrentVersion != "1.1.0" {
		t.Fatalf("live content must stay untouched on restore failure: %+v", live)
	}
	refreshed, _ := st.GetCommit(ctx, c.ID)
	if refreshed.RolledBack {
		t.Fatalf("rolled_back must not flip when restore fails")
	}
}
