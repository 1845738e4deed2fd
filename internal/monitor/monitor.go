// Package monitor watches committed changes through their observation
// windows, re-checks live content against the scores recorded at commit time
// and triggers automatic rollback on degradation.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/harness"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/store"
)

// Rollbacker executes a rollback under the per-target cycle lock. The
// orchestrator implements it.
type Rollbacker interface {
	RollbackCommit(ctx context.Context, commitID uuid.UUID, reason string, evidence []models.Alert) (models.Commit, error)
}

type Config struct {
	// PollInterval is the sleep between polls when there is no due window.
	PollInterval time.Duration

	// BatchSize is how many due windows to claim per poll.
	BatchSize int

	// MaxConcurrency bounds concurrent re-checks within a batch.
	MaxConcurrency int

	// RecheckInterval is how far each claim pushes a window's next check.
	RecheckInterval time.Duration

	// AlertThresholdPct is the relative drop below a committed benchmark
	// score that raises an alert and triggers rollback.
	AlertThresholdPct float64
}

// Monitor is the background window poller. The store is the source of truth:
// due windows are claimed batch-wise with their next_check_at pushed forward,
// so a crashed re-check is simply retried on the next due date.
type Monitor struct {
	store      store.Store
	harness    *harness.Harness
	rollbacker Rollbacker
	recorder   *audit.Recorder
	cfg        Config
}

func New(st store.Store, h *harness.Harness, rb Rollbacker, rec *audit.Recorder, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 24 * time.Hour
	}
	if cfg.AlertThresholdPct <= 0 {
		cfg.AlertThresholdPct = 3.0
	}
	return &Monitor{store: st, harness: h, rollbacker: rb, recorder: rec, cfg: cfg}
}

// Run polls for due windows until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[monitor] starting (poll=%s, batch=%d, threshold=%.1f%%)", m.cfg.PollInterval, m.cfg.BatchSize, m.cfg.AlertThresholdPct)
	defer log.Printf("[monitor] stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := m.RunOnce(ctx)
		if err != nil {
			log.Printf("[monitor] poll: %v", err)
			m.sleep(ctx)
			continue
		}
		if n == 0 {
			m.sleep(ctx)
		}
	}
}

func (m *Monitor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.cfg.PollInterval):
	}
}

// RunOnce claims one batch of due windows and re-checks them with bounded
// concurrency, returning how many windows were claimed.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	windows, err := m.store.ClaimDueWindows(ctx, m.cfg.BatchSize, time.Now().UTC().Add(m.cfg.RecheckInterval))
	if err != nil {
		return 0, fmt.Errorf("claim due windows: %w", err)
	}
	if len(windows) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, m.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, w := range windows {
		sem <- struct{}{}
		wg.Add(1)
		go func(w models.MonitoringWindow) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := m.checkWindow(ctx, w); err != nil {
				log.Printf("[monitor] window %s: %v", w.ID, err)
			}
		}(w)
	}
	wg.Wait()
	return len(windows), nil
}

func (m *Monitor) checkWindow(ctx context.Context, w models.MonitoringWindow) error {
	c, err := m.store.GetCommit(ctx, w.CommitID)
	if err != nil {
		return fmt.Errorf("load commit %s: %w", w.CommitID, err)
	}
	if c.RolledBack {
		return nil
	}
	target, err := m.store.GetTarget(ctx, w.TargetID)
	if err != nil {
		return fmt.Errorf("load target %s: %w", w.TargetID, err)
	}

	now := time.Now().UTC()
	if !now.Before(w.ExpiresAt) {
		if _, err := m.store.UpdateWindowStatus(ctx, w.ID, models.WindowClosedClean); err != nil {
			return fmt.Errorf("close window %s: %w", w.ID, err)
		}
		if err := m.recorder.Record(ctx, target.Category, audit.EntityWindow, w.ID.String(), audit.EventWindowClosed, map[string]interface{}{
			"windowId": w.ID,
			"commitId": w.CommitID,
			"status":   models.WindowClosedClean,
		}); err != nil {
			return fmt.Errorf("audit window close: %w", err)
		}
		log.Printf("[monitor] window closed clean: target=%s window=%s", w.TargetID, w.ID)
		return nil
	}

	scores, suites, err := m.harness.Recheck(ctx, target.Category, target.Content)
	if err != nil {
		// The claim already pushed next_check_at, so skipping retries later.
		log.Printf("[monitor] recheck skipped: target=%s window=%s err=%v", target.ID, w.ID, err)
		return nil
	}

	alerts := m.collectAlerts(c, scores, suites)
	if len(alerts) == 0 {
		log.Printf("[monitor] window healthy: target=%s window=%s", target.ID, w.ID)
		return nil
	}

	for _, a := range alerts {
		if _, err := m.store.AppendWindowAlert(ctx, w.ID, a); err != nil {
			return fmt.Errorf("append alert to window %s: %w", w.ID, err)
		}
		if err := m.recorder.Record(ctx, target.Category, audit.EntityWindow, w.ID.String(), audit.EventAlertRaised, map[string]interface{}{
			"windowId": w.ID,
			"commitId": w.CommitID,
			"alert":    a,
		}); err != nil {
			return fmt.Errorf("audit alert: %w", err)
		}
	}

	reason := rollbackReason(alerts)
	log.Printf("[monitor] degradation detected, rolling back: target=%s commit=%s reason=%q", target.ID, c.ID, reason)
	if _, err := m.rollbacker.RollbackCommit(ctx, c.ID, reason, alerts); err != nil {
		return fmt.Errorf("rollback commit %s: %w", c.ID, err)
	}
	return nil
}

// collectAlerts compares a re-check against the scores recorded at commit
// time. A benchmark dropping more than the threshold below its committed
// score alerts; a failing regression case alerts unconditionally.
func (m *Monitor) collectAlerts(c models.Commit, scores map[string]float64, suites map[string]models.SuiteResult) []models.Alert {
	var alerts []models.Alert

	benchIDs := make([]string, 0, len(c.BenchmarkScores))
	for id := range c.BenchmarkScores {
		benchIDs = append(benchIDs, id)
	}
	sort.Strings(benchIDs)
	for _, id := range benchIDs {
		committed := c.BenchmarkScores[id]
		current, ok := scores[id]
		if !ok || committed <= 0 {
			continue
		}
		dropPct := (committed - current) / committed * 100
		if dropPct > m.cfg.AlertThresholdPct {
			alerts = append(alerts, models.Alert{
				Metric:   id,
				Baseline: committed,
				Current:  current,
				Delta:    round2(current - committed),
			})
		}
	}

	suiteIDs := make([]string, 0, len(suites))
	for id := range suites {
		suiteIDs = append(suiteIDs, id)
	}
	sort.Strings(suiteIDs)
	for _, id := range suiteIDs {
		sr := suites[id]
		if sr.FailedCount == 0 {
			continue
		}
		alerts = append(alerts, models.Alert{
			Metric:   id,
			Baseline: 0,
			Current:  float64(sr.FailedCount),
			Delta:    float64(sr.FailedCount),
		})
	}
	return alerts
}

// rollbackReason prefers a regression alert over a benchmark drop; every
// accepted commit had zero failing cases, so any failure is new.
func rollbackReason(alerts []models.Alert) string {
	for _, a := range alerts {
		if a.Baseline == 0 && a.Current > 0 {
			return fmt.Sprintf("regression during monitoring: suite %s failed %d case(s)", a.Metric, int(a.Current))
		}
	}
	a := alerts[0]
	return fmt.Sprintf("benchmark %s dropped from %.2f to %.2f during monitoring", a.Metric, a.Baseline, a.Current)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
