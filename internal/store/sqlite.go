package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/refineryhq/refinery/internal/models"
)

// SQLiteStore is a file-backed Store for single-node deployments. It shares
// the column layout and scanners with PGStore; only placeholders and
// timestamp handling differ.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		frozen INTEGER NOT NULL DEFAULT 0,
		current_version TEXT NOT NULL,
		content TEXT NOT NULL,
		awaiting_review INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS target_changelog (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		version TEXT NOT NULL,
		kind TEXT NOT NULL,
		summary TEXT NOT NULL,
		delta REAL NOT NULL DEFAULT 0,
		proposal_id TEXT,
		commit_id TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (target_id) REFERENCES targets(id)
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		baseline_version TEXT NOT NULL,
		goal TEXT NOT NULL,
		changes TEXT NOT NULL,
		predicted_improvement REAL NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL UNIQUE,
		target_id TEXT NOT NULL,
		benchmark_scores TEXT NOT NULL,
		baseline_scores TEXT NOT NULL,
		regression_results TEXT NOT NULL,
		human_gates TEXT,
		improvement_delta REAL NOT NULL,
		evaluation_mode TEXT NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		evaluated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		proposal_id TEXT,
		commit_id TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS commits (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		from_version TEXT NOT NULL,
		to_version TEXT NOT NULL,
		archive_key TEXT NOT NULL,
		archive_digest TEXT NOT NULL,
		benchmark_scores TEXT NOT NULL,
		rolled_back INTEGER NOT NULL DEFAULT 0,
		rollback_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		rolled_back_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS monitoring_windows (
		id TEXT PRIMARY KEY,
		commit_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		next_check_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		alerts TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		evaluation_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		gates TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		decided_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_windows_due ON monitoring_windows(status, next_check_at);
	CREATE INDEX IF NOT EXISTS idx_changelog_target ON target_changelog(target_id);
	CREATE INDEX IF NOT EXISTS idx_cycles_target ON cycles(target_id);
	CREATE INDEX IF NOT EXISTS idx_commits_target ON commits(target_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
	version := in.Version
	if version == "" {
		version = "1.0.0"
	}
	now := time.Now().UTC()
	t := models.Target{
		ID:             in.ID,
		Category:       in.Category,
		Frozen:         in.Frozen,
		CurrentVersion: version,
		Content:        in.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, category, frozen, current_version, content, awaiting_review, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.Category, t.Frozen, t.CurrentVersion, t.Content, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return models.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (models.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Target{}, ErrNotFound
		}
		return models.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTargets(ctx context.Context, filter ListTargetsFilter) ([]models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets`
	var args []interface{}
	if filter.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), maxInt(filter.Offset, 0))

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
	return targets, rows.Err()
}

func (s *SQLiteStore) UpdateTargetContent(ctx context.Context, in TargetContentUpdate) (models.Target, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET content = ?, current_version = ?, updated_at = ? WHERE id = ?`,
		in.Content, in.Version, time.Now().UTC(), in.ID,
	)
	if err != nil {
		return models.Target{}, fmt.Errorf("update target content: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.Target{}, err
	}
	return s.GetTarget(ctx, in.ID)
}

func (s *SQLiteStore) SetTargetAwaitingReview(ctx context.Context, id string, awaiting bool) (models.Target, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET awaiting_review = ?, updated_at = ? WHERE id = ?`,
		awaiting, time.Now().UTC(), id,
	)
	if err != nil {
		return models.Target{}, fmt.Errorf("set awaiting review: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.Target{}, err
	}
	return s.GetTarget(ctx, id)
}

func (s *SQLiteStore) AppendChangeRecord(ctx context.Context, in ChangeRecordInput) (models.ChangeRecord, error) {
	rec := models.ChangeRecord{
		ID:         uuid.New(),
		TargetID:   in.TargetID,
		Version:    in.Version,
		Kind:       in.Kind,
		Summary:    in.Summary,
		Delta:      in.Delta,
		ProposalID: in.ProposalID,
		CommitID:   in.CommitID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO target_changelog (id, target_id, version, kind, summary, delta, proposal_id, commit_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TargetID, rec.Version, rec.Kind, rec.Summary, rec.Delta, rec.ProposalID, rec.CommitID, rec.CreatedAt,
	)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("append change record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListChangelog(ctx context.Context, targetID string) ([]models.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changelogColumns+` FROM target_changelog WHERE target_id = ? ORDER BY created_at`,
		targetID,
	)
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
	return records, rows.Err()
}

func (s *SQLiteStore) InsertProposal(ctx context.Context, p models.Proposal) error {
	changes, err := marshalJSON(p.Changes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, target_id, baseline_version, goal, changes, predicted_improvement, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TargetID, p.BaselineVersion, p.Goal, changes, p.PredictedImprovement, string(ensureJSON(p.Metadata, "{}")), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) InsertEvaluation(ctx context.Context, e models.EvaluationResult) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, proposal_id, target_id, benchmark_scores, baseline_scores, regression_results, human_gates, improvement_delta, evaluation_mode, timed_out, evaluated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProposalID, e.TargetID, benchmarks, baselines, suites, gates, e.ImprovementDelta, string(e.Mode), e.TimedOut, e.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvaluationByProposal(ctx context.Context, proposalID uuid.UUID) (models.EvaluationResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE proposal_id = ?`, proposalID)
	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationResult{}, ErrNotFound
		}
		return models.EvaluationResult{}, fmt.Errorf("get evaluation: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) CreateCycle(ctx context.Context, in CycleInput) (models.Cycle, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	c := models.Cycle{
		ID:        in.ID,
		TargetID:  in.TargetID,
		Goal:      in.Goal,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, target_id, goal, started_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.TargetID, c.Goal, c.StartedAt,
	)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FinishCycle(ctx context.Context, in CycleFinish) (models.Cycle, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET result = ?, reason = ?, proposal_id = ?, commit_id = ?, finished_at = ? WHERE id = ?`,
		string(in.Result), in.Reason, in.ProposalID, in.CommitID, time.Now().UTC(), in.ID,
	)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("finish cycle: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.Cycle{}, err
	}
	return s.GetCycle(ctx, in.ID)
}

func (s *SQLiteStore) GetCycle(ctx context.Context, id uuid.UUID) (models.Cycle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Cycle{}, ErrNotFound
		}
		return models.Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCycles(ctx context.Context, filter ListCyclesFilter) ([]models.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles`
	var args []interface{}
	if filter.TargetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, filter.TargetID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), maxInt(filter.Offset, 0))

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
	return cycles, rows.Err()
}

func (s *SQLiteStore) CreateCommit(ctx context.Context, in CommitInput) (models.Commit, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	scores, err := marshalJSON(in.BenchmarkScores)
	if err != nil {
		return models.Commit{}, err
	}
	c := models.Commit{
		ID:              in.ID,
		ProposalID:      in.ProposalID,
		TargetID:        in.TargetID,
		FromVersion:     in.FromVersion,
		ToVersion:       in.ToVersion,
		ArchiveKey:      in.ArchiveKey,
		ArchiveDigest:   in.ArchiveDigest,
		BenchmarkScores: in.BenchmarkScores,
		CreatedAt:       time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commits (id, proposal_id, target_id, from_version, to_version, archive_key, archive_digest, benchmark_scores, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProposalID, c.TargetID, c.FromVersion, c.ToVersion, c.ArchiveKey, c.ArchiveDigest, scores, c.CreatedAt,
	)
	if err != nil {
		return models.Commit{}, fmt.Errorf("insert commit: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCommit(ctx context.Context, id uuid.UUID) (models.Commit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id = ?`, id)
	c, err := scanCommit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Commit{}, ErrNotFound
		}
		return models.Commit{}, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCommits(ctx context.Context, filter ListCommitsFilter) ([]models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits WHERE 1=1`
	var args []interface{}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.RolledBack != nil {
		query += ` AND rolled_back = ?`
		args = append(args, *filter.RolledBack)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), maxInt(filter.Offset, 0))

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
	return commits, rows.Err()
}

func (s *SQLiteStore) MarkCommitRolledBack(ctx context.Context, id uuid.UUID, reason string) (models.Commit, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commits SET rolled_back = 1, rollback_reason = ?, rolled_back_at = ? WHERE id = ? AND rolled_back = 0`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return models.Commit{}, fmt.Errorf("mark commit rolled back: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.Commit{}, err
	}
	return s.GetCommit(ctx, id)
}

func (s *SQLiteStore) CreateWindow(ctx context.Context, in WindowInput) (models.MonitoringWindow, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	w := models.MonitoringWindow{
		ID:          in.ID,
		CommitID:    in.CommitID,
		TargetID:    in.TargetID,
		OpenedAt:    in.OpenedAt,
		ExpiresAt:   in.ExpiresAt,
		NextCheckAt: in.NextCheckAt,
		Status:      models.WindowActive,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitoring_windows (id, commit_id, target_id, opened_at, expires_at, next_check_at, status, alerts) VALUES (?, ?, ?, ?, ?, ?, ?, '[]')`,
		w.ID, w.CommitID, w.TargetID, w.OpenedAt, w.ExpiresAt, w.NextCheckAt, string(w.Status),
	)
	if err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("insert window: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetWindowByCommit(ctx context.Context, commitID uuid.UUID) (models.MonitoringWindow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM monitoring_windows WHERE commit_id = ?`, commitID)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("get window by commit: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ActiveWindowForTarget(ctx context.Context, targetID string) (models.MonitoringWindow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM monitoring_windows WHERE target_id = ? AND status = ? LIMIT 1`,
		targetID, string(models.WindowActive),
	)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("active window for target: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWindows(ctx context.Context, filter ListWindowsFilter) ([]models.MonitoringWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM monitoring_windows WHERE 1=1`
	var args []interface{}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY opened_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), maxInt(filter.Offset, 0))

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
	return windows, rows.Err()
}

func (s *SQLiteStore) ClaimDueWindows(ctx context.Context, limit int, nextCheckAt time.Time) ([]models.MonitoringWindow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+windowColumns+` FROM monitoring_windows WHERE status = ? AND next_check_at <= ? ORDER BY next_check_at LIMIT ?`,
		string(models.WindowActive), time.Now().UTC(), normalizeLimit(limit),
	)
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
		if _, err := tx.ExecContext(ctx, `UPDATE monitoring_windows SET next_check_at = ? WHERE id = ?`, nextCheckAt, w.ID); err != nil {
			return nil, fmt.Errorf("bump window next check: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit window claim: %w", err)
	}
	return windows, nil
}

func (s *SQLiteStore) UpdateWindowStatus(ctx context.Context, id uuid.UUID, status models.WindowStatus) (models.MonitoringWindow, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitoring_windows SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("update window status: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.MonitoringWindow{}, err
	}
	return s.getWindow(ctx, id)
}

// AppendWindowAlert reads, appends, and writes back the alerts array inside a
// transaction. SQLite serializes writers so this stays race-free.
func (s *SQLiteStore) AppendWindowAlert(ctx context.Context, id uuid.UUID, alert models.Alert) (models.MonitoringWindow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM monitoring_windows WHERE id = ?`, id)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("get window: %w", err)
	}
	w.Alerts = append(w.Alerts, alert)
	alerts, err := marshalJSON(w.Alerts)
	if err != nil {
		return models.MonitoringWindow{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE monitoring_windows SET alerts = ? WHERE id = ?`, alerts, id); err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("append window alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.MonitoringWindow{}, fmt.Errorf("commit alert append: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) getWindow(ctx context.Context, id uuid.UUID) (models.MonitoringWindow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM monitoring_windows WHERE id = ?`, id)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoringWindow{}, ErrNotFound
		}
		return models.MonitoringWindow{}, fmt.Errorf("get window: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) CreateReview(ctx context.Context, in ReviewInput) (models.PendingReview, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	gates, err := marshalJSON(in.Gates)
	if err != nil {
		return models.PendingReview{}, err
	}
	r := models.PendingReview{
		ID:           in.ID,
		CycleID:      in.CycleID,
		ProposalID:   in.ProposalID,
		EvaluationID: in.EvaluationID,
		TargetID:     in.TargetID,
		Gates:        in.Gates,
		Status:       models.ReviewPending,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, cycle_id, proposal_id, evaluation_id, target_id, gates, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CycleID, r.ProposalID, r.EvaluationID, r.TargetID, gates, string(r.Status), r.CreatedAt,
	)
	if err != nil {
		return models.PendingReview{}, fmt.Errorf("insert review: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetReview(ctx context.Context, id uuid.UUID) (models.PendingReview, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	r, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PendingReview{}, ErrNotFound
		}
		return models.PendingReview{}, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, filter ListReviewsFilter) ([]models.PendingReview, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE 1=1`
	var args []interface{}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), maxInt(filter.Offset, 0))

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
	return reviews, rows.Err()
}

func (s *SQLiteStore) ResolveReview(ctx context.Context, in ReviewResolution) (models.PendingReview, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status = ?, decided_by = ?, note = ?, decided_at = ? WHERE id = ? AND status = ?`,
		string(in.Status), in.DecidedBy, in.Note, time.Now().UTC(), in.ID, string(models.ReviewPending),
	)
	if err != nil {
		return models.PendingReview{}, fmt.Errorf("resolve review: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.PendingReview{}, err
	}
	return s.GetReview(ctx, in.ID)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// requireAffected maps a zero-row update to ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
