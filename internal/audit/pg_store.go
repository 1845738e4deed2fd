package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/refineryhq/refinery/internal/signer"
)

// PGStore persists the audit chain in Postgres. It also carries the durable
// streaming state (pending -> in_progress -> complete/failed) consumed by the
// Streamer.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const pgAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	prev_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	s3_object_key TEXT,
	s3_archived_at TIMESTAMPTZ,
	kafka_produced_at TIMESTAMPTZ,
	last_stream_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_key ON audit_entries (key);
CREATE INDEX IF NOT EXISTS idx_audit_stream ON audit_entries (stream_status, seq);
`

func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgAuditSchema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// auditChainLockKey serializes appends so concurrent writers cannot fork the
// hash chain.
const auditChainLockKey = 744059

// Append seals the entry against the current chain head and inserts it. The
// head read and the insert run under an advisory transaction lock.
func (p *PGStore) Append(ctx context.Context, ev *Entry, s signer.Signer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}

	var prev string
	var head sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fetch chain head: %w", err)
	}
	if head.Valid {
		prev = head.String
	}

	if err := seal(ctx, ev, prev, s); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	q := `
		INSERT INTO audit_entries (id, key, event_type, payload, prev_hash, hash, signature, signer_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	if _, err := tx.ExecContext(ctx, q, ev.ID, ev.Key, ev.EventType, payloadJSON, ev.PrevHash, ev.Hash, ev.Signature, ev.SignerID, ev.Ts); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

const auditColumns = `id, key, event_type, payload, prev_hash, hash, signature, signer_id, ts`

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	var (
		ev           Entry
		payloadBytes []byte
	)
	if err := row.Scan(&ev.ID, &ev.Key, &ev.EventType, &payloadBytes, &ev.PrevHash, &ev.Hash, &ev.Signature, &ev.SignerID, &ev.Ts); err != nil {
		return nil, err
	}
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
			// Keep raw bytes readable rather than dropping the record.
			ev.Payload = string(payloadBytes)
		}
	}
	return &ev, nil
}

func (p *PGStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE id=$1`
	ev, err := scanEntry(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query audit entry: %w", err)
	}
	return ev, nil
}

func (p *PGStore) ListEntries(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Key != "" {
		q += fmt.Sprintf(" AND key = $%d", argPos)
		args = append(args, filter.Key)
		argPos++
	}
	if filter.EventType != "" {
		q += fmt.Sprintf(" AND event_type = $%d", argPos)
		args = append(args, filter.EventType)
		argPos++
	}
	q += " ORDER BY seq"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++
	if filter.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		ev, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// FetchPendingForStreaming claims up to limit pending entries for the
// streamer: marks them in_progress, increments attempts, and returns them in
// chain order. Concurrent streamers skip locked rows.
func (p *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		SELECT ` + auditColumns + `
		FROM audit_entries
		WHERE stream_status='pending'
		ORDER BY seq
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending entries: %w", err)
	}
	var entries []*Entry
	for rows.Next() {
		ev, scanErr := scanEntry(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", scanErr)
		}
		entries = append(entries, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}
	rows.Close()

	for _, ev := range entries {
		if _, err := tx.ExecContext(ctx, `UPDATE audit_entries SET stream_status='in_progress', attempts=attempts+1 WHERE id=$1`, ev.ID); err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

// maxStreamAttempts is how many delivery attempts an entry gets before it is
// parked as failed.
const maxStreamAttempts = 5

// MarkStreamResult records the outcome of one streaming attempt. Success
// marks the entry complete with its archive key; failure returns it to
// pending until attempts run out, then parks it failed.
func (p *PGStore) MarkStreamResult(ctx context.Context, id string, s3Key sql.NullString, ok bool, streamErr sql.NullString) error {
	if ok {
		q := `
			UPDATE audit_entries
			SET stream_status='complete', s3_object_key=$2, s3_archived_at=NOW(), kafka_produced_at=NOW(), last_stream_error=NULL
			WHERE id=$1
		`
		if _, err := p.db.ExecContext(ctx, q, id, s3Key); err != nil {
			return fmt.Errorf("mark stream success: %w", err)
		}
		return nil
	}
	q := `
		UPDATE audit_entries
		SET stream_status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    last_stream_error=$2
		WHERE id=$1
	`
	if _, err := p.db.ExecContext(ctx, q, id, streamErr, maxStreamAttempts); err != nil {
		return fmt.Errorf("mark stream failure: %w", err)
	}
	return nil
}
