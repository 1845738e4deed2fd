package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/refineryhq/refinery/internal/commit"
	"github.com/refineryhq/refinery/internal/harness"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/orchestrator"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/registry"
	"github.com/refineryhq/refinery/internal/store"
	"github.com/refineryhq/refinery/internal/versionstore"
)

const baselineContent = "# Deploy\n\nUse the old wording here and check twice."

type scriptScorer struct {
	score   func(content string, b registry.Benchmark) (float64, error)
	runTest func(content string, tc registry.TestCase) (bool, error)
}

func (s scriptScorer) Score(ctx context.Context, content string, b registry.Benchmark) (float64, error) {
	if s.score == nil {
		return 0.9, nil
	}
	return s.score(content, b)
}

func (s scriptScorer) RunTest(ctx context.Context, content string, tc registry.TestCase) (bool, error) {
	if s.runTest == nil {
		return true, nil
	}
	return s.runTest(content, tc)
}

// improvingScorer scores any content carrying the proposed wording higher
// than the baseline, so clean cycles accept.
func improvingScorer() scriptScorer {
	return scriptScorer{
		score: func(content string, _ registry.Benchmark) (float64, error) {
			if strings.Contains(content, "sharper wording") || !strings.Contains(content, "old wording") {
				return 0.9, nil
			}
			return 0.7, nil
		},
	}
}

func testRegistry() *registry.Registry {
	return registry.New(map[string]registry.CategorySuites{
		"skill": {
			Benchmarks: []registry.Benchmark{
				{ID: "b.alpha", Name: "alpha quality", Minimum: 0.6},
			},
			Suites: []registry.Suite{
				{ID: "s.core", Name: "core invariants", Cases: []registry.TestCase{
					{ID: "s.core.title", Name: "has a title", Check: registry.CheckContains, Pattern: "# "},
				}},
			},
		},
	})
}

func replaceDraft() proposal.Draft {
	return proposal.Draft{
		Changes: []models.Edit{
			{Before: "old wording", After: "sharper wording", Rationale: "tighten the phrasing"},
		},
		PredictedImprovement: 0.1,
	}
}

func deletionDraft() proposal.Draft {
	return proposal.Draft{
		Changes: []models.Edit{
			{Before: "old wording", After: "", Rationale: "drop the stale phrase"},
		},
		PredictedImprovement: 0.1,
	}
}

func newOrchestrator(t *testing.T, gen proposal.Generator, sc harness.Scorer, reserved []string) (*store.MemoryStore, versionstore.Store, *orchestrator.Orchestrator) {
	t.Helper()
	st := store.NewMemoryStore()
	archive, err := versionstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mgr := commit.NewManager(st, archive, nil, commit.ManagerConfig{WindowDuration: 7 * 24 * time.Hour, RecheckInterval: time.Hour})
	o := orchestrator.New(st, proposal.NewEngine(gen, reserved, 0), harness.New(testRegistry(), sc, reserved), mgr, nil, reserved)
	return st, archive, o
}

func seedTarget(t *testing.T, st *store.MemoryStore, id string) models.Target {
	t.Helper()
	target, err := st.CreateTarget(context.Background(), store.TargetInput{
		ID:       id,
		Category: "skill",
		Version:  "1.0.0",
		Content:  baselineContent,
	})
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	return target
}

func TestRunCycleAcceptCommitsAndOpensWindow(t *testing.T) {
	ctx := context.Background()
	st, archive, o := newOrchestrator(t, proposal.NewStaticGenerator(replaceDraft()), improvingScorer(), nil)
	seedTarget(t, st, "skills/deploy")

	cycle, err := o.RunCycle(ctx, "skills/deploy", "tighten wording")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CycleAccepted {
		t.Fatalf("result = %s (%s), want ACCEPTED", cycle.Result, cycle.Reason)
	}
	if cycle.ProposalID == nil || cycle.CommitID == nil {
		t.Fatalf("cycle = %+v, want proposal and commit recorded", cycle)
	}

	target, _ := st.GetTarget(ctx, "skills/deploy")
	if !strings.Contains(target.Content, "sharper wording") {
		t.Fatalf("content = %q, want the edit applied", target.Content)
	}
	if target.CurrentVersion != "1.1.0" {
		t.Fatalf("version = %s, want minor bump to 1.1.0", target.CurrentVersion)
	}

	ok, err := archive.Exists(ctx, versionstore.Key("skills/deploy", "1.0.0"))
	if err != nil || !ok {
		t.Fatalf("archive exists = %v, %v, want prior version archived", ok, err)
	}
	w, err := st.GetWindowByCommit(ctx, *cycle.CommitID)
	if err != nil {
		t.Fatalf("GetWindowByCommit: %v", err)
	}
	if w.Status != models.WindowActive {
		t.Fatalf("window status = %s, want ACTIVE", w.Status)
	}
	records, _ := st.ListChangelog(ctx, "skills/deploy")
	if len(records) != 1 || records[0].Kind != models.ChangeKindImprovement {
		t.Fatalf("changelog = %+v, want one improvement entry", records)
	}
}

func TestRunCycleRegressionRejects(t *testing.T) {
	ctx := context.Background()
	sc := improvingScorer()
	sc.runTest = func(string, registry.TestCase) (bool, error) { return false, nil }
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(replaceDraft()), sc, nil)
	seedTarget(t, st, "skills/deploy")

	cycle, err := o.RunCycle(ctx, "skills/deploy", "tighten wording")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CycleRejected {
		t.Fatalf("result = %s, want REJECTED", cycle.Result)
	}
	if !strings.HasPrefix(cycle.Reason, "regression test failed") {
		t.Fatalf("reason = %q, want a regression veto", cycle.Reason)
	}
	if cycle.CommitID != nil {
		t.Fatalf("commit id = %v, want none on rejection", cycle.CommitID)
	}
	target, _ := st.GetTarget(ctx, "skills/deploy")
	if target.Content != baselineContent || target.CurrentVersion != "1.0.0" {
		t.Fatalf("target = %+v, want untouched baseline", target)
	}
}

func TestRunCycleNoProposal(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(), improvingScorer(), nil)
	seedTarget(t, st, "skills/deploy")

	cycle, err := o.RunCycle(ctx, "skills/deploy", "tighten wording")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CycleNoProposal {
		t.Fatalf("result = %s, want NO_PROPOSAL", cycle.Result)
	}
	if cycle.ProposalID != nil {
		t.Fatalf("proposal id = %v, want none", cycle.ProposalID)
	}
}

func TestRunCyclePendsHumanReviewOnDeletion(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(deletionDraft()), improvingScorer(), nil)
	seedTarget(t, st, "skills/deploy")

	cycle, err := o.RunCycle(ctx, "skills/deploy", "drop stale phrase")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CyclePendingReview {
		t.Fatalf("result = %s (%s), want PENDING_HUMAN_REVIEW", cycle.Result, cycle.Reason)
	}

	target, _ := st.GetTarget(ctx, "skills/deploy")
	if !target.AwaitingReview {
		t.Fatal("target not flagged awaiting review")
	}
	if target.Content != baselineContent {
		t.Fatalf("content = %q, want unchanged until approval", target.Content)
	}
	reviews, _ := st.ListReviews(ctx, store.ListReviewsFilter{Status: models.ReviewPending})
	if len(reviews) != 1 {
		t.Fatalf("pending reviews = %d, want 1", len(reviews))
	}
	if len(reviews[0].Gates) != 1 || reviews[0].Gates[0] != "breaking_change" {
		t.Fatalf("gates = %v, want [breaking_change]", reviews[0].Gates)
	}

	if _, err := o.RunCycle(ctx, "skills/deploy", "again"); !errors.Is(err, orchestrator.ErrAwaitingReview) {
		t.Fatalf("second cycle err = %v, want ErrAwaitingReview", err)
	}
}

type blockingGenerator struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	draft   proposal.Draft
}

func (g *blockingGenerator) Generate(ctx context.Context, req proposal.Request) (proposal.Draft, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.draft, nil
	case <-ctx.Done():
		return proposal.Draft{}, ctx.Err()
	}
}

func TestRunCycleSingleFlightPerTarget(t *testing.T) {
	ctx := context.Background()
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{}), draft: replaceDraft()}
	st, _, o := newOrchestrator(t, gen, improvingScorer(), nil)
	seedTarget(t, st, "skills/deploy")
	seedTarget(t, st, "skills/release")

	done := make(chan models.Cycle, 1)
	go func() {
		cycle, err := o.RunCycle(ctx, "skills/deploy", "tighten wording")
		if err != nil {
			t.Errorf("first RunCycle: %v", err)
		}
		done <- cycle
	}()
	<-gen.started

	if _, err := o.RunCycle(ctx, "skills/deploy", "tighten wording"); !errors.Is(err, orchestrator.ErrCycleInFlight) {
		t.Fatalf("concurrent cycle err = %v, want ErrCycleInFlight", err)
	}

	close(gen.release)
	select {
	case cycle := <-done:
		if cycle.Result != models.CycleAccepted {
			t.Fatalf("first cycle result = %s, want ACCEPTED", cycle.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never finished")
	}

	// The lock is per target, so a different target runs immediately after.
	if _, err := o.RunCycle(ctx, "skills/release", "tighten wording"); err != nil {
		t.Fatalf("other target RunCycle: %v", err)
	}
}

func TestRunCycleRefusals(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(replaceDraft(), replaceDraft()), improvingScorer(), []string{"eval-harness"})

	frozen, err := st.CreateTarget(ctx, store.TargetInput{ID: "skills/frozen", Category: "skill", Frozen: true, Version: "1.0.0", Content: baselineContent})
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	if _, err := o.RunCycle(ctx, frozen.ID, "goal"); !errors.Is(err, proposal.ErrFrozenTarget) {
		t.Fatalf("frozen err = %v, want ErrFrozenTarget", err)
	}

	seedTarget(t, st, "eval-harness")
	if _, err := o.RunCycle(ctx, "eval-harness", "goal"); !errors.Is(err, proposal.ErrFrozenTarget) {
		t.Fatalf("reserved err = %v, want ErrFrozenTarget", err)
	}

	seedTarget(t, st, "skills/deploy")
	if _, err := o.RunCycle(ctx, "skills/deploy", "tighten wording"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, err := o.RunCycle(ctx, "skills/deploy", "again"); !errors.Is(err, orchestrator.ErrWindowActive) {
		t.Fatalf("active window err = %v, want ErrWindowActive", err)
	}

	if _, err := o.RunCycle(ctx, "skills/ghost", "goal"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing target err = %v, want ErrNotFound", err)
	}
}

func pendReview(t *testing.T, st *store.MemoryStore, o *orchestrator.Orchestrator) models.PendingReview {
	t.Helper()
	ctx := context.Background()
	seedTarget(t, st, "skills/deploy")
	cycle, err := o.RunCycle(ctx, "skills/deploy", "drop stale phrase")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CyclePendingReview {
		t.Fatalf("result = %s, want PENDING_HUMAN_REVIEW", cycle.Result)
	}
	reviews, err := st.ListReviews(ctx, store.ListReviewsFilter{Status: models.ReviewPending})
	if err != nil || len(reviews) != 1 {
		t.Fatalf("pending reviews = %v, %v", reviews, err)
	}
	return reviews[0]
}

func TestResolveApproveCommits(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(deletionDraft()), improvingScorer(), nil)
	review := pendReview(t, st, o)

	resolved, cycle, err := o.Resolve(ctx, review.ID, true, "maya", "checked by hand")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != models.ReviewApproved || resolved.DecidedBy != "maya" {
		t.Fatalf("review = %+v, want APPROVED by maya", resolved)
	}
	if cycle.Result != models.CycleAccepted || cycle.CommitID == nil {
		t.Fatalf("cycle = %+v, want ACCEPTED with a commit", cycle)
	}

	target, _ := st.GetTarget(ctx, "skills/deploy")
	if strings.Contains(target.Content, "old wording") {
		t.Fatalf("content = %q, want deletion applied after approval", target.Content)
	}
	if target.CurrentVersion != "1.1.0" || target.AwaitingReview {
		t.Fatalf("target = %+v, want bumped version and cleared review flag", target)
	}
}

func TestResolveDenyRejects(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(deletionDraft()), improvingScorer(), nil)
	review := pendReview(t, st, o)

	resolved, cycle, err := o.Resolve(ctx, review.ID, false, "maya", "too risky")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != models.ReviewDenied {
		t.Fatalf("review status = %s, want DENIED", resolved.Status)
	}
	if cycle.Result != models.CycleRejected || cycle.Reason != "human review denied: too risky" {
		t.Fatalf("cycle = %+v, want REJECTED with the denial note", cycle)
	}

	target, _ := st.GetTarget(ctx, "skills/deploy")
	if target.Content != baselineContent || target.AwaitingReview {
		t.Fatalf("target = %+v, want untouched content and cleared flag", target)
	}
}

func TestResolveStaleApprovalRejects(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(deletionDraft()), improvingScorer(), nil)
	review := pendReview(t, st, o)

	// The target moves while the review sits in the queue.
	moved := "# Deploy\n\nRewritten from scratch."
	if _, err := st.UpdateTargetContent(ctx, store.TargetContentUpdate{ID: "skills/deploy", Content: moved, Version: "1.0.1"}); err != nil {
		t.Fatalf("UpdateTargetContent: %v", err)
	}

	resolved, cycle, err := o.Resolve(ctx, review.ID, true, "maya", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != models.ReviewApproved {
		t.Fatalf("review status = %s, want APPROVED recorded even though nothing lands", resolved.Status)
	}
	if cycle.Result != models.CycleRejected || !strings.Contains(cycle.Reason, "approval refused") {
		t.Fatalf("cycle = %+v, want REJECTED stale approval", cycle)
	}
	target, _ := st.GetTarget(ctx, "skills/deploy")
	if target.Content != moved || target.CurrentVersion != "1.0.1" {
		t.Fatalf("target = %+v, want the moved content left alone", target)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(deletionDraft()), improvingScorer(), nil)
	review := pendReview(t, st, o)

	if _, _, err := o.Resolve(ctx, review.ID, false, "maya", ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, _, err := o.Resolve(ctx, review.ID, true, "arjun", ""); !errors.Is(err, orchestrator.ErrReviewResolved) {
		t.Fatalf("second Resolve err = %v, want ErrReviewResolved", err)
	}
}

func TestRollbackCommitRevertsTarget(t *testing.T) {
	ctx := context.Background()
	st, _, o := newOrchestrator(t, proposal.NewStaticGenerator(replaceDraft()), improvingScorer(), nil)
	seedTarget(t, st, "skills/deploy")

	cycle, err := o.RunCycle(ctx, "skills/deploy", "tighten wording")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if cycle.Result != models.CycleAccepted {
		t.Fatalf("result = %s, want ACCEPTED", cycle.Result)
	}

	c, err := o.RollbackCommit(ctx, *cycle.CommitID, "manual operator rollback", nil)
	if err != nil {
		t.Fatalf("RollbackCommit: %v", err)
	}
	if !c.RolledBack {
		t.Fatalf("commit = %+v, want rolled back", c)
	}

	target, _ := st.GetTarget(ctx, "skills/deploy")
	if target.Content != baselineContent {
		t.Fatalf("content = %q, want archived baseline restored", target.Content)
	}
	if target.CurrentVersion != "1.1.1" {
		t.Fatalf("version = %s, want patch bump to 1.1.1", target.CurrentVersion)
	}
	w, _ := st.GetWindowByCommit(ctx, c.ID)
	if w.Status != models.WindowCancelledRollback {
		t.Fatalf("window status = %s, want CANCELLED_ROLLBACK", w.Status)
	}
}
