package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
)

func scanTarget(row rowScanner) (models.Target, error) {
	var t models.Target
	if err := row.Scan(
		&t.ID,
		&t.Category,
		&t.Frozen,
		&t.CurrentVersion,
		&t.Content,
		&t.AwaitingReview,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return models.Target{}, err
	}
	return t, nil
}

func scanChangeRecord(row rowScanner) (models.ChangeRecord, error) {
	var (
		rec        models.ChangeRecord
		proposalID uuid.NullUUID
		commitID   uuid.NullUUID
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TargetID,
		&rec.Version,
		&rec.Kind,
		&rec.Summary,
		&rec.Delta,
		&proposalID,
		&commitID,
		&rec.CreatedAt,
	); err != nil {
		return models.ChangeRecord{}, err
	}
	if proposalID.Valid {
		id := proposalID.UUID
		rec.ProposalID = &id
	}
	if commitID.Valid {
		id := commitID.UUID
		rec.CommitID = &id
	}
	return rec, nil
}

func scanProposal(row rowScanner) (models.Proposal, error) {
	var (
		p        models.Proposal
		changes  []byte
		metadata []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.TargetID,
		&p.BaselineVersion,
		&p.Goal,
		&changes,
		&p.PredictedImprovement,
		&metadata,
		&p.CreatedAt,
	); err != nil {
		return models.Proposal{}, err
	}
	if err := unmarshalInto(changes, &p.Changes); err != nil {
		return models.Proposal{}, fmt.Errorf("decode proposal changes: %w", err)
	}
	if len(metadata) > 0 {
		p.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return p, nil
}

func scanEvaluation(row rowScanner) (models.EvaluationResult, error) {
	var (
		e          models.EvaluationResult
		benchmarks []byte
		baselines  []byte
		suites     []byte
		gates      []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.ProposalID,
		&e.TargetID,
		&benchmarks,
		&baselines,
		&suites,
		&gates,
		&e.ImprovementDelta,
		&e.Mode,
		&e.TimedOut,
		&e.EvaluatedAt,
	); err != nil {
		return models.EvaluationResult{}, err
	}
	if err := unmarshalInto(benchmarks, &e.BenchmarkScores); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("decode benchmark scores: %w", err)
	}
	if err := unmarshalInto(baselines, &e.BaselineScores); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("decode baseline scores: %w", err)
	}
	if err := unmarshalInto(suites, &e.RegressionResults); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("decode regression results: %w", err)
	}
	if err := unmarshalInto(gates, &e.HumanGatesTriggered); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("decode human gates: %w", err)
	}
	return e, nil
}

func scanCycle(row rowScanner) (models.Cycle, error) {
	var (
		c          models.Cycle
		result     string
		proposalID uuid.NullUUID
		commitID   uuid.NullUUID
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.TargetID,
		&c.Goal,
		&result,
		&c.Reason,
		&proposalID,
		&commitID,
		&c.StartedAt,
		&finishedAt,
	); err != nil {
		return models.Cycle{}, err
	}
	c.Result = models.CycleResult(result)
	if proposalID.Valid {
		id := proposalID.UUID
		c.ProposalID = &id
	}
	if commitID.Valid {
		id := commitID.UUID
		c.CommitID = &id
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		c.FinishedAt = &t
	}
	return c, nil
}

func scanCommit(row rowScanner) (models.Commit, error) {
	var (
		c            models.Commit
		scores       []byte
		rolledBackAt sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.ProposalID,
		&c.TargetID,
		&c.FromVersion,
		&c.ToVersion,
		&c.ArchiveKey,
		&c.ArchiveDigest,
		&scores,
		&c.RolledBack,
		&c.RollbackReason,
		&c.CreatedAt,
		&rolledBackAt,
	); err != nil {
		return models.Commit{}, err
	}
	if err := unmarshalInto(scores, &c.BenchmarkScores); err != nil {
		return models.Commit{}, fmt.Errorf("decode commit scores: %w", err)
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		c.RolledBackAt = &t
	}
	return c, nil
}

func scanWindow(row rowScanner) (models.MonitoringWindow, error) {
	var (
		w      models.MonitoringWindow
		status string
		alerts []byte
	)
	if err := row.Scan(
		&w.ID,
		&w.CommitID,
		&w.TargetID,
		&w.OpenedAt,
		&w.ExpiresAt,
		&w.NextCheckAt,
		&status,
		&alerts,
	); err != nil {
		return models.MonitoringWindow{}, err
	}
	w.Status = models.WindowStatus(status)
	if err := unmarshalInto(alerts, &w.Alerts); err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("decode window alerts: %w", err)
	}
	return w, nil
}

func scanReview(row rowScanner) (models.PendingReview, error) {
	var (
		r         models.PendingReview
		gates     []byte
		status    string
		decidedAt sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.CycleID,
		&r.ProposalID,
		&r.EvaluationID,
		&r.TargetID,
		&gates,
		&status,
		&r.DecidedBy,
		&r.Note,
		&r.CreatedAt,
		&decidedAt,
	); err != nil {
		return models.PendingReview{}, err
	}
	r.Status = models.ReviewStatus(status)
	if err := unmarshalInto(gates, &r.Gates); err != nil {
		return models.PendingReview{}, fmt.Errorf("decode review gates: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}
