// Package commit applies accepted proposals to their targets and reverses
// them while the monitoring window is open. Ordering is strict: archive
// before write on the way in, verify before swap on the way out.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/store"
	"github.com/refineryhq/refinery/internal/versionstore"
)

var (
	// ErrAlreadyRolledBack guards the exactly-once rollback flip.
	ErrAlreadyRolledBack = errors.New("commit already rolled back")

	// ErrWindowNotActive refuses rollbacks outside the monitoring window.
	ErrWindowNotActive = errors.New("monitoring window not active")
)

type ManagerConfig struct {
	WindowDuration  time.Duration
	RecheckInterval time.Duration
}

type Manager struct {
	store    store.Store
	archive  versionstore.Store
	recorder *audit.Recorder

	windowDuration  time.Duration
	recheckInterval time.Duration
}

func NewManager(st store.Store, archive versionstore.Store, rec *audit.Recorder, cfg ManagerConfig) *Manager {
	windowDuration := cfg.WindowDuration
	if windowDuration <= 0 {
		windowDuration = 7 * 24 * time.Hour
	}
	recheckInterval := cfg.RecheckInterval
	if recheckInterval <= 0 {
		recheckInterval = 24 * time.Hour
	}
	return &Manager{
		store:           st,
		archive:         archive,
		recorder:        rec,
		windowDuration:  windowDuration,
		recheckInterval: recheckInterval,
	}
}

// Commit archives the target's current content, writes the candidate under a
// minor version bump and opens a monitoring window. An archive collision
// aborts before anything live is touched; the target stays on its prior
// version.
func (m *Manager) Commit(ctx context.Context, target models.Target, p models.Proposal, eval models.EvaluationResult, candidate string) (models.Commit, error) {
	if p.BaselineVersion != target.CurrentVersion {
		return models.Commit{}, fmt.Errorf("proposal %s built on %s, target at %s: %w",
			p.ID, p.BaselineVersion, target.CurrentVersion, proposal.ErrStaleBaseline)
	}

	prior := []byte(target.Content)
	digest := versionstore.Digest(prior)
	key, err := m.archive.Archive(ctx, target.ID, target.CurrentVersion, prior)
	if err != nil {
		return models.Commit{}, fmt.Errorf("archive %s@%s: %w", target.ID, target.CurrentVersion, err)
	}
	ok, err := m.archive.Exists(ctx, key)
	if err != nil {
		return models.Commit{}, fmt.Errorf("verify archive %s: %w", key, err)
	}
	if !ok {
		return models.Commit{}, fmt.Errorf("verify archive %s: %w", key, versionstore.ErrArchiveNotFound)
	}

	toVersion, err := models.BumpMinor(target.CurrentVersion)
	if err != nil {
		return models.Commit{}, fmt.Errorf("bump version %s: %w", target.CurrentVersion, err)
	}
	if _, err := m.store.UpdateTargetContent(ctx, store.TargetContentUpdate{
		ID:      target.ID,
		Content: candidate,
		Version: toVersion,
	}); err != nil {
		return models.Commit{}, fmt.Errorf("write target %s: %w", target.ID, err)
	}

	commitID := uuid.New()
	scores := make(map[string]float64, len(eval.BenchmarkScores))
	for id, bs := range eval.BenchmarkScores {
		scores[id] = bs.Score
	}
	c, err := m.store.CreateCommit(ctx, store.CommitInput{
		ID:              commitID,
		ProposalID:      p.ID,
		TargetID:        target.ID,
		FromVersion:     target.CurrentVersion,
		ToVersion:       toVersion,
		ArchiveKey:      key,
		ArchiveDigest:   digest,
		BenchmarkScores: scores,
	})
	if err != nil {
		return models.Commit{}, fmt.Errorf("insert commit for %s: %w", target.ID, err)
	}

	if _, err := m.store.AppendChangeRecord(ctx, store.ChangeRecordInput{
		TargetID:   target.ID,
		Version:    toVersion,
		Kind:       models.ChangeKindImprovement,
		Summary:    changeSummary(p),
		Delta:      eval.ImprovementDelta,
		ProposalID: &p.ID,
		CommitID:   &commitID,
	}); err != nil {
		return models.Commit{}, fmt.Errorf("append changelog for %s: %w", target.ID, err)
	}

	now := time.Now().UTC()
	if _, err := m.store.CreateWindow(ctx, store.WindowInput{
		ID:          uuid.New(),
		CommitID:    commitID,
		TargetID:    target.ID,
		OpenedAt:    now,
		ExpiresAt:   now.Add(m.windowDuration),
		NextCheckAt: now.Add(m.recheckInterval),
	}); err != nil {
		return models.Commit{}, fmt.Errorf("open monitoring window for %s: %w", target.ID, err)
	}

	if err := m.recorder.Record(ctx, target.Category, audit.EntityCommit, commitID.String(), audit.EventCommitApplied, c); err != nil {
		return models.Commit{}, fmt.Errorf("audit commit %s: %w", commitID, err)
	}
	log.Printf("[commit] applied: target=%s %s -> %s commit=%s delta=%.2f",
		target.ID, target.CurrentVersion, toVersion, commitID, eval.ImprovementDelta)
	return c, nil
}

// Rollback restores the archived content of a commit under a patch bump. It
// is valid only while the commit's monitoring window is ACTIVE and flips
// rolled_back exactly once; a second attempt fails with ErrAlreadyRolledBack.
// A missing or corrupt archive aborts with the live content untouched.
func (m *Manager) Rollback(ctx context.Context, commitID uuid.UUID, reason string, evidence []models.Alert) (models.Commit, error) {
	c, err := m.store.GetCommit(ctx, commitID)
	if err != nil {
		return models.Commit{}, fmt.Errorf("load commit %s: %w", commitID, err)
	}
	if c.RolledBack {
		return models.Commit{}, fmt.Errorf("commit %s: %w", commitID, ErrAlreadyRolledBack)
	}
	window, err := m.store.GetWindowByCommit(ctx, commitID)
	if err != nil {
		return models.Commit{}, fmt.Errorf("load window for commit %s: %w", commitID, err)
	}
	if window.Status != models.WindowActive {
		return models.Commit{}, fmt.Errorf("commit %s window is %s: %w", commitID, window.Status, ErrWindowNotActive)
	}
	target, err := m.store.GetTarget(ctx, c.TargetID)
	if err != nil {
		return models.Commit{}, fmt.Errorf("load target %s: %w", c.TargetID, err)
	}
	if target.CurrentVersion != c.ToVersion {
		return models.Commit{}, fmt.Errorf("target %s at %s, commit %s wrote %s: rollback refused",
			target.ID, target.CurrentVersion, commitID, c.ToVersion)
	}

	ok, err := m.archive.Exists(ctx, c.ArchiveKey)
	if err != nil {
		return models.Commit{}, fmt.Errorf("verify archive %s: %w", c.ArchiveKey, err)
	}
	if !ok {
		log.Printf("[commit] ROLLBACK FAILED: archive missing, content untouched: commit=%s key=%s", commitID, c.ArchiveKey)
		return models.Commit{}, fmt.Errorf("archive %s: %w", c.ArchiveKey, versionstore.ErrArchiveNotFound)
	}
	restored, err := m.archive.Restore(ctx, c.ArchiveKey)
	if err != nil {
		log.Printf("[commit] ROLLBACK FAILED: restore error, content untouched: commit=%s key=%s err=%v", commitID, c.ArchiveKey, err)
		return models.Commit{}, fmt.Errorf("restore archive %s: %w", c.ArchiveKey, err)
	}
	if got := versionstore.Digest(restored); got != c.ArchiveDigest {
		log.Printf("[commit] ROLLBACK FAILED: digest mismatch, content untouched: commit=%s key=%s", commitID, c.ArchiveKey)
		return models.Commit{}, fmt.Errorf("archive %s digest mismatch: recorded %s, restored %s", c.ArchiveKey, c.ArchiveDigest, got)
	}

	// Claim the flip before swapping so concurrent rollbacks cannot both
	// restore; the conditional update admits exactly one winner.
	updated, err := m.store.MarkCommitRolledBack(ctx, commitID, reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Commit{}, fmt.Errorf("commit %s: %w", commitID, ErrAlreadyRolledBack)
		}
		return models.Commit{}, fmt.Errorf("mark commit %s rolled back: %w", commitID, err)
	}

	patchVersion, err := models.BumpPatch(target.CurrentVersion)
	if err != nil {
		return models.Commit{}, fmt.Errorf("bump version %s: %w", target.CurrentVersion, err)
	}
	if _, err := m.store.UpdateTargetContent(ctx, store.TargetContentUpdate{
		ID:      target.ID,
		Content: string(restored),
		Version: patchVersion,
	}); err != nil {
		log.Printf("[commit] ROLLBACK FAILED after flip: content swap errored: commit=%s err=%v", commitID, err)
		return models.Commit{}, fmt.Errorf("restore target %s content: %w", target.ID, err)
	}
	if _, err := m.store.AppendChangeRecord(ctx, store.ChangeRecordInput{
		TargetID: target.ID,
		Version:  patchVersion,
		Kind:     models.ChangeKindRollback,
		Summary:  reason,
		CommitID: &commitID,
	}); err != nil {
		return models.Commit{}, fmt.Errorf("append rollback changelog for %s: %w", target.ID, err)
	}
	if _, err := m.store.UpdateWindowStatus(ctx, window.ID, models.WindowCancelledRollback); err != nil {
		return models.Commit{}, fmt.Errorf("cancel window %s: %w", window.ID, err)
	}

	payload := map[string]interface{}{
		"commit":          updated,
		"reason":          reason,
		"evidence":        evidence,
		"restoredVersion": patchVersion,
	}
	if err := m.recorder.Record(ctx, target.Category, audit.EntityCommit, commitID.String(), audit.EventRollbackExecuted, payload); err != nil {
		return models.Commit{}, fmt.Errorf("audit rollback %s: %w", commitID, err)
	}
	log.Printf("[commit] rolled back: target=%s %s -> %s commit=%s reason=%q",
		target.ID, c.ToVersion, patchVersion, commitID, reason)
	return updated, nil
}

func changeSummary(p models.Proposal) string {
	if p.Goal != "" {
		return p.Goal
	}
	for _, e := range p.Changes {
		if e.Rationale != "" {
			return e.Rationale
		}
	}
	return "improvement"
}
