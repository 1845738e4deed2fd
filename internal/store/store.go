// Package store persists pipeline state: targets, proposals, evaluations,
// cycles, commits, monitoring windows and the human-review queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateTarget(ctx context.Context, in TargetInput) (models.Target, error)
	GetTarget(ctx context.Context, id string) (models.Target, error)
	ListTargets(ctx context.Context, filter ListTargetsFilter) ([]models.Target, error)
	UpdateTargetContent(ctx context.Context, in TargetContentUpdate) (models.Target, error)
	SetTargetAwaitingReview(ctx context.Context, id string, awaiting bool) (models.Target, error)
	AppendChangeRecord(ctx context.Context, in ChangeRecordInput) (models.ChangeRecord, error)
	ListChangelog(ctx context.Context, targetID string) ([]models.ChangeRecord, error)

	InsertProposal(ctx context.Context, p models.Proposal) error
	GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error)
	InsertEvaluation(ctx context.Context, e models.EvaluationResult) error
	GetEvaluationByProposal(ctx context.Context, proposalID uuid.UUID) (models.EvaluationResult, error)

	CreateCycle(ctx context.Context, in CycleInput) (models.Cycle, error)
	FinishCycle(ctx context.Context, in CycleFinish) (models.Cycle, error)
	GetCycle(ctx context.Context, id uuid.UUID) (models.Cycle, error)
	ListCycles(ctx context.Context, filter ListCyclesFilter) ([]models.Cycle, error)

	CreateCommit(ctx context.Context, in CommitInput) (models.Commit, error)
	GetCommit(ctx context.Context, id uuid.UUID) (models.Commit, error)
	ListCommits(ctx context.Context, filter ListCommitsFilter) ([]models.Commit, error)
	MarkCommitRolledBack(ctx context.Context, id uuid.UUID, reason string) (models.Commit, error)

	CreateWindow(ctx context.Context, in WindowInput) (models.MonitoringWindow, error)
	GetWindowByCommit(ctx context.Context, commitID uuid.UUID) (models.MonitoringWindow, error)
	ActiveWindowForTarget(ctx context.Context, targetID string) (models.MonitoringWindow, error)
	ListWindows(ctx context.Context, filter ListWindowsFilter) ([]models.MonitoringWindow, error)
	ClaimDueWindows(ctx context.Context, limit int, nextCheckAt time.Time) ([]models.MonitoringWindow, error)
	UpdateWindowStatus(ctx context.Context, id uuid.UUID, status models.WindowStatus) (models.MonitoringWindow, error)
	AppendWindowAlert(ctx context.Context, id uuid.UUID, alert models.Alert) (models.MonitoringWindow, error)

	CreateReview(ctx context.Context, in ReviewInput) (models.PendingReview, error)
	GetReview(ctx context.Context, id uuid.UUID) (models.PendingReview, error)
	ListReviews(ctx context.Context, filter ListReviewsFilter) ([]models.PendingReview, error)
	ResolveReview(ctx context.Context, in ReviewResolution) (models.PendingReview, error)

	Ping(ctx context.Context) error
}

type TargetInput struct {
	ID       string
	Category string
	Frozen   bool
	Version  string
	Content  string
}

type TargetContentUpdate struct {
	ID      string
	Content string
	Version string
}

type ChangeRecordInput struct {
	TargetID   string
	Version    string
	Kind       string
	Summary    string
	Delta      float64
	ProposalID *uuid.UUID
	CommitID   *uuid.UUID
}

type CycleInput struct {
	ID       uuid.UUID
	TargetID string
	Goal     string
}

type CycleFinish struct {
	ID         uuid.UUID
	Result     models.CycleResult
	Reason     string
	ProposalID *uuid.UUID
	CommitID   *uuid.UUID
}

type CommitInput struct {
	ID              uuid.UUID
	ProposalID      uuid.UUID
	TargetID        string
	FromVersion     string
	ToVersion       string
	ArchiveKey      string
	ArchiveDigest   string
	BenchmarkScores map[string]float64
}

type WindowInput struct {
	ID          uuid.UUID
	CommitID    uuid.UUID
	TargetID    string
	OpenedAt    time.Time
	ExpiresAt   time.Time
	NextCheckAt time.Time
}

type ReviewInput struct {
	ID           uuid.UUID
	CycleID      uuid.UUID
	ProposalID   uuid.UUID
	EvaluationID uuid.UUID
	TargetID     string
	Gates        []string
}

type ReviewResolution struct {
	ID        uuid.UUID
	Status    models.ReviewStatus
	DecidedBy string
	Note      string
}

type ListTargetsFilter struct {
	Category string
	Limit    int
	Offset   int
}

type ListCyclesFilter struct {
	TargetID string
	Limit    int
	Offset   int
}

type ListCommitsFilter struct {
	TargetID   string
	RolledBack *bool
	Limit      int
	Offset     int
}

type ListWindowsFilter struct {
	TargetID string
	Status   models.WindowStatus
	Limit    int
	Offset   int
}

type ListReviewsFilter struct {
	TargetID string
	Status   models.ReviewStatus
	Limit    int
	Offset   int
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalInto(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
