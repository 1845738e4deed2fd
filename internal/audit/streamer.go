package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/refineryhq/refinery/internal/canonical"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many entries to claim per poll.
	BatchSize int

	// PollInterval is the sleep between polls when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer drains the audit chain to Kafka and S3. The database is the
// source of truth: entries are claimed with SKIP LOCKED, and each produce and
// archive outcome is recorded so failed deliveries retry.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

func NewStreamer(store *PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending entries until ctx is cancelled. Each claimed batch is
// processed with bounded concurrency and drained before the next claim.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			s.sleep(ctx)
			continue
		}
		if len(entries) == 0 {
			s.sleep(ctx)
			continue
		}

		var wg sync.WaitGroup
		for _, ev := range entries {
			sem <- struct{}{}
			wg.Add(1)
			go func(ev *Entry) {
				defer func() {
					<-sem
					wg.Done()
				}()
				if err := s.processEntry(ctx, ev); err != nil {
					log.Printf("[audit.streamer] process entry %s: %v", ev.ID, err)
				}
			}(ev)
		}
		wg.Wait()
	}
}

func (s *Streamer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.PollInterval):
	}
}

// processEntry produces the canonical envelope to Kafka, archives it to
// object storage, and records the outcome. Failure on any step marks the
// entry for retry.
func (s *Streamer) processEntry(parentCtx context.Context, ev *Entry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.Marshal(envelope(ev))
	if err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.ID), canonBytes)
	if err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey sql.NullString
	if s3Arch, ok := s.archiver.(*S3Archiver); ok {
		key, err := s3Arch.ArchiveEntryAndReturnKey(ctx, ev)
		if err != nil {
			s.markFailure(parentCtx, ev.ID, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	} else if err := s.archiver.ArchiveEntry(ctx, ev); err != nil {
		s.markFailure(parentCtx, ev.ID, fmt.Sprintf("archive: %v", err))
		return fmt.Errorf("archive: %w", err)
	}

	if err := s.store.MarkStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[audit.streamer] entry %s streamed (produced_at=%s)", ev.ID, producedAt.Format(time.RFC3339Nano))
	return nil
}

func (s *Streamer) markFailure(ctx context.Context, id, msg string) {
	errMsg := sql.NullString{String: msg, Valid: true}
	if err := s.store.MarkStreamResult(ctx, id, sql.NullString{}, false, errMsg); err != nil {
		log.Printf("[audit.streamer] mark failure for %s: %v", id, err)
	}
}
