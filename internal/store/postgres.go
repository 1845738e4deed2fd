package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
)

// PGStore is the Postgres-backed Store used in server deployments.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	frozen BOOLEAN NOT NULL DEFAULT FALSE,
	current_version TEXT NOT NULL,
	content TEXT NOT NULL,
	awaiting_review BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS target_changelog (
	id UUID PRIMARY KEY,
	target_id TEXT NOT NULL REFERENCES targets(id),
	version TEXT NOT NULL,
	kind TEXT NOT NULL,
	summary TEXT NOT NULL,
	delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	proposal_id UUID,
	commit_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS proposals (
	id UUID PRIMARY KEY,
	target_id TEXT NOT NULL,
	baseline_version TEXT NOT NULL,
	goal TEXT NOT NULL,
	changes JSONB NOT NULL,
	predicted_improvement DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS evaluations (
	id UUID PRIMARY KEY,
	proposal_id UUID NOT NULL UNIQUE,
	target_id TEXT NOT NULL,
	benchmark_scores JSONB NOT NULL,
	baseline_scores JSONB NOT NULL,
	regression_results JSONB NOT NULL,
	human_gates JSONB,
	improvement_delta DOUBLE PRECISION NOT NULL,
	evaluation_mode TEXT NOT NULL,
	timed_out BOOLEAN NOT NULL DEFAULT FALSE,
	evaluated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS cycles (
	id UUID PRIMARY KEY,
	target_id TEXT NOT NULL,
	goal TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	proposal_id UUID,
	commit_id UUID,
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS commits (
	id UUID PRIMARY KEY,
	proposal_id UUID NOT NULL,
	target_id TEXT NOT NULL,
	from_version TEXT NOT NULL,
	to_version TEXT NOT NULL,
	archive_key TEXT NOT NULL,
	archive_digest TEXT NOT NULL,
	benchmark_scores JSONB NOT NULL,
	rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
	rollback_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	rolled_back_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS monitoring_windows (
	id UUID PRIMARY KEY,
	commit_id UUID NOT NULL,
	target_id TEXT NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	next_check_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	alerts JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_windows_due ON monitoring_windows (status, next_check_at);
CREATE TABLE IF NOT EXISTS reviews (
	id UUID PRIMARY KEY,
	cycle_id UUID NOT NULL,
	proposal_id UUID NOT NULL,
	evaluation_id UUID NOT NULL,
	target_id TEXT NOT NULL,
	gates JSONB NOT NULL,
	status TEXT NOT NULL,
	decided_by TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	decided_at TIMESTAMPTZ
);
`

// EnsureSchema creates the pipeline tables when missing. Safe to call on
// every startup.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const targetColumns = `id, category, frozen, current_version, content, awaiting_review, created_at, updated_at`

func (s *PGStore) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
	version := in.Version
	if version == "" {
		version = "1.0.0"
	}
	query := `
		INSERT INTO targets (id, category, frozen, current_version, content)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + targetColumns
	t, err := scanTarget(s.db.QueryRowContext(ctx, query, in.ID, in.Category, in.Frozen, version, in.Content))
	if err != nil {
		return models.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (s *PGStore) GetTarget(ctx context.Context, id string) (models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id=$1`
	t, err := scanTarget(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Target{}, ErrNotFound
		}
		return models.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTargets(ctx context.Context, filter ListTargetsFilter) ([]models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argPos)
		args = append(args, filter.Category)
		argPos++
	}
	query += " ORDER BY id"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

func (s *PGStore) UpdateTargetContent(ctx context.Context, in TargetContentUpdate) (models.Target, error) {
	query := `
		UPDATE targets
		SET content=$2, current_version=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + targetColumns
	t, err := scanTarget(s.db.QueryRowContext(ctx, query, in.ID, in.Content, in.Version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Target{}, ErrNotFound
		}
		return models.Target{}, fmt.Errorf("update target content: %w", err)
	}
	return t, nil
}

func (s *PGStore) SetTargetAwaitingReview(ctx context.Context, id string, awaiting bool) (models.Target, error) {
	query := `
		UPDATE targets
		SET awaiting_review=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + targetColumns
	t, err := scanTarget(s.db.QueryRowContext(ctx, query, id, awaiting))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Target{}, ErrNotFound
		}
		return models.Target{}, fmt.Errorf("set awaiting review: %w", err)
	}
	return t, nil
}

const changelogColumns = `id, target_id, version, kind, summary, delta, proposal_id, commit_id, created_at`

func (s *PGStore) AppendChangeRecord(ctx context.Context, in ChangeRecordInput) (models.ChangeRecord, error) {
	query := `
		INSERT INTO target_changelog (id, target_id, version, kind, summary, delta, proposal_id, commit_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + changelogColumns
	row := s.db.QueryRowContext(ctx, query, uuid.New(), in.TargetID, in.Version, in.Kind, in.Summary, in.Delta, in.ProposalID, in.CommitID)
	rec, err := scanChangeRecord(row)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("append change record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListChangelog(ctx context.Context, targetID string) ([]models.ChangeRecord, error) {
	query := `SELECT ` + changelogColumns + ` FROM target_changelog WHERE target_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	defer rows.Close()

	var records []models.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changelog: %w", err)
	}
	return records, nil
}

const proposalColumns = `id, target_id, baseline_version, goal, changes, predicted_improvement, metadata, created_at`

func (s *PGStore) InsertProposal(ctx context.Context, p models.Proposal) error {
	changes, err := marshalJSON(p.Changes)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO proposals (id, target_id, baseline_version, goal, changes, predicted_improvement, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err = s.db.ExecContext(ctx, query, p.ID, p.TargetID, p.BaselineVersion, p.Goal, changes, p.PredictedImprovement, ensureJSON(p.Metadata, "{}"), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PGStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id=$1`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

const evaluationColumns = `id, proposal_id, target_id, benchmark_scores, baseline_scores, regression_results, human_gates, improvement_delta, evaluation_mode, timed_out, evaluated_at`

func (s *PGStore) InsertEvaluation(ctx context.Context, e models.EvaluationResult) error {
	benchmarks, err := marshalJSON(e.BenchmarkScores)
	if err != nil {
		return err
	}
	baselines, err := marshalJSON(e.BaselineScores)
	if err != nil {
		return err
	}
	suites, err := marshalJSON(e.RegressionResults)
	if err != nil {
		return err
	}
	gates, err := marshalJSON(e.HumanGatesTriggered)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO evaluations (id, proposal_id, target_id, benchmark_scores, baseline_scores, regression_results, human_gates, improvement_delta, evaluation_mode, timed_out, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = s.db.ExecContext(ctx, query, e.ID, e.ProposalID, e.TargetID, benchmarks, baselines, suites, gates, e.ImprovementDelta, string(e.Mode), e.TimedOut, e.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *PGStore) GetEvaluationByProposal(ctx context.Context, proposalID uuid.UUID) (models.EvaluationResult, error) {
	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE proposal_id=$1`
	e, err := scanEvaluation(s.db.QueryRowContext(ctx, query, proposalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationResult{}, ErrNotFound
		}
		return models.EvaluationResult{}, fmt.Errorf("get evaluation: %w", err)
	}
	return e, nil
}

const cycleColumns = `id, target_id, goal, result, reason, proposal_id, commit_id, started_at, finished_at`

func (s *PGStore) CreateCycle(ctx context.Context, in CycleInput) (models.Cycle, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO cycles (id, target_id, goal)
		VALUES ($1,$2,$3)
		RETURNING ` + cycleColumns
	c, err := scanCycle(s.db.QueryRowContext(ctx, query, in.ID, in.TargetID, in.Goal))
	if err != nil {
		return models.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	return c, nil
}

func (s *PGStore) FinishCycle(ctx context.Context, in CycleFinish) (models.Cycle, error) {
	query := `
		UPDATE cycles
		SET result=$2, reason=$3, proposal_id=$4, commit_id=$5, finished_at=NOW()
		WHERE id=$1
		RETURNING ` + cycleColumns
	c, err := scanCycle(s.db.QueryRowContext(ctx, query, in.ID, string(in.Result), in.Reason, in.ProposalID, in.CommitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Cycle{}, ErrNotFound
		}
		return models.Cycle{}, fmt.Errorf("finish cycle: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetCycle(ctx context.Context, id uuid.UUID) (models.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id=$1`
	c, err := scanCycle(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Cycle{}, ErrNotFound
		}
		return models.Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListCycles(ctx context.Context, filter ListCyclesFilter) ([]models.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argPos)
		args = append(args, filter.TargetID)
		argPos++
	}
	query += " ORDER BY started_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []models.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return cycles, nil
}

const commitColumns = `id, proposal_id, target_id, from_version, to_version, archive_key, archive_digest, benchmark_scores, rolled_back, rollback_reason, created_at, rolled_back_at`

func (s *PGStore) CreateCommit(ctx context.Context, in CommitInput) (models.Commit, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	scores, err := marshalJSON(in.BenchmarkScores)
	if err != nil {
		return models.Commit{}, err
	}
	query := `
		INSERT INTO commits (id, proposal_id, target_id, from_version, to_version, archive_key, archive_digest, benchmark_scores)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + commitColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ProposalID, in.TargetID, in.FromVersion, in.ToVersion, in.ArchiveKey, in.ArchiveDigest, scores)
	c, err := scanCommit(row)
	if err != nil {
		return models.Commit{}, fmt.Errorf("insert commit: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetCommit(ctx context.Context, id uuid.UUID) (models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits WHERE id=$1`
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Commit{}, ErrNotFound
		}
		return models.Commit{}, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListCommits(ctx context.Context, filter ListCommitsFilter) ([]models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argPos)
		args = append(args, filter.TargetID)
		argPos++
	}
	if filter.RolledBack != nil {
		query += fmt.Sprintf(" AND rolled_back = $%d", argPos)
		args = append(args, *filter.RolledBack)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var commits []models.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// MarkCommitRolledBack flips rolled_back exactly once; a commit already
// rolled back reports ErrNotFound so callers can distinguish via GetCommit.
func (s *PGStore) MarkCommitRolledBack(ctx context.Context, id uuid.UUID, reason string) (models.Commit, error) {
	query := `
		UPDATE commits
		SET rolled_back=TRUE, rollback_reason=$2, rolled_back_at=NOW()
		WHERE id=$1 AND rolled_back=FALSE
		RETURNING ` + commitColumns
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, id, reason))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Commit{}, ErrNotFound
		}
		return models.Commit{}, fmt.Errorf("mark commit rolled back: %w", err)
	}
	return c, nil
}

const windowColumns = `id, commit_id, target_id, opened_at, expires_at, next_check_at, status, alerts`

func (s *PGStore) CreateWindow(ctx context.Context, in WindowInput) (models.MonitoringWindow, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO monitoring_windows (id, commit_id, target_id, opened_at, expires_at, next_check_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + windowColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.CommitID, in.TargetID, in.OpenedAt, in.ExpiresAt, in.NextCheckAt, string(models.WindowActive))
	w, err := scanWindow(row)
	if err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("insert window: %w", err)
	}
	return w, nil
}

func (s *PGStore) GetWindowByCommit(ctx context.Context, commitID uuid.UUID) (models.MonitoringWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM monitoring_windows WHERE commit_id=$1`
	w, err := scanWindow(s.db.QueryRowContext(ctx, query, commitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("get window by commit: %w", err)
	}
	return w, nil
}

func (s *PGStore) ActiveWindowForTarget(ctx context.Context, targetID string) (models.MonitoringWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM monitoring_windows WHERE target_id=$1 AND status=$2 LIMIT 1`
	w, err := scanWindow(s.db.QueryRowContext(ctx, query, targetID, string(models.WindowActive)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("active window for target: %w", err)
	}
	return w, nil
}

func (s *PGStore) ListWindows(ctx context.Context, filter ListWindowsFilter) ([]models.MonitoringWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM monitoring_windows WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argPos)
		args = append(args, filter.TargetID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	query += " ORDER BY opened_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var windows []models.MonitoringWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return windows, nil
}

// ClaimDueWindows selects ACTIVE windows whose next check is due and bumps
// next_check_at so concurrent pollers skip them.
func (s *PGStore) ClaimDueWindows(ctx context.Context, limit int, nextCheckAt time.Time) ([]models.MonitoringWindow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + windowColumns + `
		FROM monitoring_windows
		WHERE status=$1 AND next_check_at <= NOW()
		ORDER BY next_check_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	rows, err := tx.QueryContext(ctx, query, string(models.WindowActive), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("select due windows: %w", err)
	}
	var windows []models.MonitoringWindow
	for rows.Next() {
		w, scanErr := scanWindow(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due window: %w", scanErr)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due windows: %w", err)
	}
	rows.Close()

	for _, w := range windows {
		if _, err := tx.ExecContext(ctx, `UPDATE monitoring_windows SET next_check_at=$2 WHERE id=$1`, w.ID, nextCheckAt); err != nil {
			return nil, fmt.Errorf("bump window next check: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit window claim: %w", err)
	}
	return windows, nil
}

func (s *PGStore) UpdateWindowStatus(ctx context.Context, id uuid.UUID, status models.WindowStatus) (models.MonitoringWindow, error) {
	query := `
		UPDATE monitoring_windows
		SET status=$2
		WHERE id=$1
		RETURNING ` + windowColumns
	w, err := scanWindow(s.db.QueryRowContext(ctx, query, id, string(status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("update window status: %w", err)
	}
	return w, nil
}

func (s *PGStore) AppendWindowAlert(ctx context.Context, id uuid.UUID, alert models.Alert) (models.MonitoringWindow, error) {
	alertJSON, err := marshalJSON(alert)
	if err != nil {
		return models.MonitoringWindow{}, err
	}
	query := `
		UPDATE monitoring_windows
		SET alerts = alerts || $2::jsonb
		WHERE id=$1
		RETURNING ` + windowColumns
	w, err := scanWindow(s.db.QueryRowContext(ctx, query, id, alertJSON))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("append window alert: %w", err)
	}
	return w, nil
}

const reviewColumns = `id, cycle_id, proposal_id, evaluation_id, target_id, gates, status, decided_by, note, created_at, decided_at`

func (s *PGStore) CreateReview(ctx context.Context, in ReviewInput) (models.PendingReview, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	gates, err := marshalJSON(in.Gates)
	if err != nil {
		return models.PendingReview{}, err
	}
	query := `
		INSERT INTO reviews (id, cycle_id, proposal_id, evaluation_id, target_id, gates, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + reviewColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.CycleID, in.ProposalID, in.EvaluationID, in.TargetID, gates, string(models.ReviewPending))
	r, err := scanReview(row)
	if err != nil {
		return models.PendingReview{}, fmt.Errorf("insert review: %w", err)
	}
	return r, nil
}

func (s *PGStore) GetReview(ctx context.Context, id uuid.UUID) (models.PendingReview, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE id=$1`
	r, err := scanReview(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PendingReview{}, ErrNotFound
		}
		return models.PendingReview{}, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListReviews(ctx context.Context, filter ListReviewsFilter) ([]models.PendingReview, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argPos)
		args = append(args, filter.TargetID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	query += " ORDER BY created_at"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []models.PendingReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// ResolveReview decides a PENDING review exactly once; an already-decided
// review reports ErrNotFound so callers can distinguish via GetReview.
func (s *PGStore) ResolveReview(ctx context.Context, in ReviewResolution) (models.PendingReview, error) {
	query := `
		UPDATE reviews
		SET status=$2, decided_by=$3, note=$4, decided_at=NOW()
		WHERE id=$1 AND status=$5
		RETURNING ` + reviewColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, string(in.Status), in.DecidedBy, in.Note, string(models.ReviewPending))
	r, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PendingReview{}, ErrNotFound
		}
		return models.PendingReview{}, fmt.Errorf("resolve review: %w", err)
	}
	return r, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
