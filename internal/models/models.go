// Package models contains the canonical entities of the improvement pipeline.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Target categories known to the built-in registry. Categories are open-ended
// strings; these are the ones shipped with defaults.
const (
	CategorySkill    = "skill"
	CategoryAgent    = "agent"
	CategoryPlaybook = "playbook"
)

// Target is the versioned unit under improvement. Content is mutated only by
// the commit manager; targets are superseded, never deleted.
type Target struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	Frozen         bool      `json:"frozen"`
	CurrentVersion string    `json:"currentVersion"`
	Content        string    `json:"content"`
	AwaitingReview bool      `json:"awaitingReview"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ChangeRecord is one changelog entry for a target.
type ChangeRecord struct {
	ID         uuid.UUID  `json:"id"`
	TargetID   string     `json:"targetId"`
	Version    string     `json:"version"`
	Kind       string     `json:"kind"`
	Summary    string     `json:"summary"`
	Delta      float64    `json:"delta,omitempty"`
	ProposalID *uuid.UUID `json:"proposalId,omitempty"`
	CommitID   *uuid.UUID `json:"commitId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Changelog entry kinds.
const (
	ChangeKindImprovement = "improvement"
	ChangeKindRollback    = "rollback"
)

// Edit is a single discrete change within a proposal. An empty Before with a
// Location appends a new section; otherwise Before is replaced by After at its
// first occurrence.
type Edit struct {
	Location  string `json:"location"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Rationale string `json:"rationale"`
}

// Proposal is a candidate change-set for a target, stamped against the
// target's version at creation time.
type Proposal struct {
	ID                   uuid.UUID       `json:"id"`
	TargetID             string          `json:"targetId"`
	BaselineVersion      string          `json:"baselineVersion"`
	Goal                 string          `json:"goal"`
	Changes              []Edit          `json:"changes"`
	PredictedImprovement float64         `json:"predictedImprovement"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

type BenchmarkScore struct {
	Score   float64 `json:"score"`
	Minimum float64 `json:"minimum"`
	Pass    bool    `json:"pass"`
}

type SuiteResult struct {
	PassedCount   int      `json:"passedCount"`
	FailedCount   int      `json:"failedCount"`
	FailedTestIDs []string `json:"failedTestIds,omitempty"`
}

type EvaluationMode string

const (
	EvaluationModeScorer    EvaluationMode = "scorer"
	EvaluationModeHeuristic EvaluationMode = "heuristic"
)

// EvaluationResult is the immutable output of scoring one proposal. Baseline
// scores are re-computed fresh each cycle and kept for audit.
type EvaluationResult struct {
	ID                  uuid.UUID                 `json:"id"`
	ProposalID          uuid.UUID                 `json:"proposalId"`
	TargetID            string                    `json:"targetId"`
	BenchmarkScores     map[string]BenchmarkScore `json:"benchmarkScores"`
	BaselineScores      map[string]float64        `json:"baselineScores"`
	RegressionResults   map[string]SuiteResult    `json:"regressionResults"`
	HumanGatesTriggered []string                  `json:"humanGatesTriggered,omitempty"`
	ImprovementDelta    float64                   `json:"improvementDelta"`
	Mode                EvaluationMode            `json:"evaluationMode"`
	TimedOut            bool                      `json:"timedOut,omitempty"`
	EvaluatedAt         time.Time                 `json:"evaluatedAt"`
}

type Outcome string

const (
	OutcomeAccept  Outcome = "ACCEPT"
	OutcomeReject  Outcome = "REJECT"
	OutcomePending Outcome = "PENDING_HUMAN_REVIEW"
)

// Verdict is the decision derived from an EvaluationResult. Reason carries a
// machine-readable prefix ("regression test failed", "benchmark below
// minimum", "no improvement", "human gates triggered").
type Verdict struct {
	Outcome Outcome  `json:"outcome"`
	Reason  string   `json:"reason"`
	Gates   []string `json:"gates,omitempty"`
}

// Commit is a persisted accepted change. BenchmarkScores holds the candidate
// scores at commit time; the monitor compares re-checks against them.
type Commit struct {
	ID              uuid.UUID          `json:"id"`
	ProposalID      uuid.UUID          `json:"proposalId"`
	TargetID        string             `json:"targetId"`
	FromVersion     string             `json:"fromVersion"`
	ToVersion       string             `json:"toVersion"`
	ArchiveKey      string             `json:"archiveKey"`
	ArchiveDigest   string             `json:"archiveDigest"`
	BenchmarkScores map[string]float64 `json:"benchmarkScores"`
	RolledBack      bool               `json:"rolledBack"`
	RollbackReason  string             `json:"rollbackReason,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	RolledBackAt    *time.Time         `json:"rolledBackAt,omitempty"`
}

type WindowStatus string

const (
	WindowActive            WindowStatus = "ACTIVE"
	WindowClosedClean       WindowStatus = "CLOSED_CLEAN"
	WindowCancelledRollback WindowStatus = "CANCELLED_ROLLBACK"
)

// Alert is one observed degradation during a monitoring window.
type Alert struct {
	Metric   string  `json:"metric"`
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// MonitoringWindow is the post-commit observation period. An ACTIVE window
// counts as in-flight for single-flight purposes on its target.
type MonitoringWindow struct {
	ID          uuid.UUID    `json:"id"`
	CommitID    uuid.UUID    `json:"commitId"`
	TargetID    string       `json:"targetId"`
	OpenedAt    time.Time    `json:"openedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	NextCheckAt time.Time    `json:"nextCheckAt"`
	Status      WindowStatus `json:"status"`
	Alerts      []Alert      `json:"alerts,omitempty"`
}

type CycleResult string

const (
	CycleAccepted      CycleResult = "ACCEPTED"
	CycleRejected      CycleResult = "REJECTED"
	CyclePendingReview CycleResult = "PENDING_HUMAN_REVIEW"
	CycleNoProposal    CycleResult = "NO_PROPOSAL"
)

// Cycle records one run_cycle invocation end to end. Result stays empty while
// the cycle is in flight or suspended for review.
type Cycle struct {
	ID         uuid.UUID   `json:"id"`
	TargetID   string      `json:"targetId"`
	Goal       string      `json:"goal"`
	Result     CycleResult `json:"result,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ProposalID *uuid.UUID  `json:"proposalId,omitempty"`
	CommitID   *uuid.UUID  `json:"commitId,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewDenied   ReviewStatus = "DENIED"
)

// PendingReview is a human-review queue entry for a suspended cycle.
type PendingReview struct {
	ID           uuid.UUID    `json:"id"`
	CycleID      uuid.UUID    `json:"cycleId"`
	ProposalID   uuid.UUID    `json:"proposalId"`
	EvaluationID uuid.UUID    `json:"evaluationId"`
	TargetID     string       `json:"targetId"`
	Gates        []string     `json:"gates"`
	Status       ReviewStatus `json:"status"`
	DecidedBy    string       `json:"decidedBy,omitempty"`
	Note         string       `json:"note,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	DecidedAt    *time.Time   `json:"decidedAt,omitempty"`
}
