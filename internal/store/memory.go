package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu        sync.RWMutex
	targets   map[string]models.Target
	changelog map[string][]models.ChangeRecord
	proposals map[uuid.UUID]models.Proposal
	evals     map[uuid.UUID]models.EvaluationResult
	cycles    map[uuid.UUID]models.Cycle
	commits   map[uuid.UUID]models.Commit
	windows   map[uuid.UUID]models.MonitoringWindow
	reviews   map[uuid.UUID]models.PendingReview
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets:   map[string]models.Target{},
		changelog: map[string][]models.ChangeRecord{},
		proposals: map[uuid.UUID]models.Proposal{},
		evals:     map[uuid.UUID]models.EvaluationResult{},
		cycles:    map[uuid.UUID]models.Cycle{},
		commits:   map[uuid.UUID]models.Commit{},
		windows:   map[uuid.UUID]models.MonitoringWindow{},
		reviews:   map[uuid.UUID]models.PendingReview{},
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyEdits(in []models.Edit) []models.Edit {
	if in == nil {
		return nil
	}
	return append([]models.Edit(nil), in...)
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyScoreMap(in map[string]models.BenchmarkScore) map[string]models.BenchmarkScore {
	if in == nil {
		return nil
	}
	out := make(map[string]models.BenchmarkScore, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySuiteMap(in map[string]models.SuiteResult) map[string]models.SuiteResult {
	if in == nil {
		return nil
	}
	out := make(map[string]models.SuiteResult, len(in))
	for k, v := range in {
		v.FailedTestIDs = copyStrings(v.FailedTestIDs)
		out[k] = v
	}
	return out
}

func copyAlerts(in []models.Alert) []models.Alert {
	if in == nil {
		return nil
	}
	return append([]models.Alert(nil), in...)
}

func copyProposal(p models.Proposal) models.Proposal {
	p.Changes = copyEdits(p.Changes)
	p.Metadata = copyJSON(p.Metadata)
	return p
}

func copyEvaluation(e models.EvaluationResult) models.EvaluationResult {
	e.BenchmarkScores = copyScoreMap(e.BenchmarkScores)
	e.BaselineScores = copyFloatMap(e.BaselineScores)
	e.RegressionResults = copySuiteMap(e.RegressionResults)
	e.HumanGatesTriggered = copyStrings(e.HumanGatesTriggered)
	return e
}

func copyCommit(c models.Commit) models.Commit {
	c.BenchmarkScores = copyFloatMap(c.BenchmarkScores)
	return c
}

func copyWindow(w models.MonitoringWindow) models.MonitoringWindow {
	w.Alerts = copyAlerts(w.Alerts)
	return w
}

func copyReview(r models.PendingReview) models.PendingReview {
	r.Gates = copyStrings(r.Gates)
	return r
}

func (m *MemoryStore) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t
	return t, nil
}

func (m *MemoryStore) GetTarget(ctx context.Context, id string) (models.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return models.Target{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListTargets(ctx context.Context, filter ListTargetsFilter) ([]models.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var targets []models.Target
	for _, t := range m.targets {
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return paginate(targets, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) UpdateTargetContent(ctx context.Context, in TargetContentUpdate) (models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[in.ID]
	if !ok {
		return models.Target{}, ErrNotFound
	}
	t.Content = in.Content
	t.CurrentVersion = in.Version
	t.UpdatedAt = time.Now().UTC()
	m.targets[in.ID] = t
	return t, nil
}

func (m *MemoryStore) SetTargetAwaitingReview(ctx context.Context, id string, awaiting bool) (models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return models.Target{}, ErrNotFound
	}
	t.AwaitingReview = awaiting
	t.UpdatedAt = time.Now().UTC()
	m.targets[id] = t
	return t, nil
}

func (m *MemoryStore) AppendChangeRecord(ctx context.Context, in ChangeRecordInput) (models.ChangeRecord, error) {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelog[in.TargetID] = append(m.changelog[in.TargetID], rec)
	return rec, nil
}

func (m *MemoryStore) ListChangelog(ctx context.Context, targetID string) ([]models.ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ChangeRecord(nil), m.changelog[targetID]...), nil
}

func (m *MemoryStore) InsertProposal(ctx context.Context, p models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = copyProposal(p)
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	return copyProposal(p), nil
}

func (m *MemoryStore) InsertEvaluation(ctx context.Context, e models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals[e.ID] = copyEvaluation(e)
	return nil
}

func (m *MemoryStore) GetEvaluationByProposal(ctx context.Context, proposalID uuid.UUID) (models.EvaluationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.evals {
		if e.ProposalID == proposalID {
			return copyEvaluation(e), nil
		}
	}
	return models.EvaluationResult{}, ErrNotFound
}

func (m *MemoryStore) CreateCycle(ctx context.Context, in CycleInput) (models.Cycle, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	c := models.Cycle{
		ID:        in.ID,
		TargetID:  in.TargetID,
		Goal:      in.Goal,
		StartedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[c.ID] = c
	return c, nil
}

func (m *MemoryStore) FinishCycle(ctx context.Context, in CycleFinish) (models.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[in.ID]
	if !ok {
		return models.Cycle{}, ErrNotFound
	}
	now := time.Now().UTC()
	c.Result = in.Result
	c.Reason = in.Reason
	c.ProposalID = in.ProposalID
	c.CommitID = in.CommitID
	c.FinishedAt = &now
	m.cycles[in.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCycle(ctx context.Context, id uuid.UUID) (models.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return models.Cycle{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListCycles(ctx context.Context, filter ListCyclesFilter) ([]models.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cycles []models.Cycle
	for _, c := range m.cycles {
		if filter.TargetID != "" && c.TargetID != filter.TargetID {
			continue
		}
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].StartedAt.After(cycles[j].StartedAt) })
	return paginate(cycles, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) CreateCommit(ctx context.Context, in CommitInput) (models.Commit, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	c := models.Commit{
		ID:              in.ID,
		ProposalID:      in.ProposalID,
		TargetID:        in.TargetID,
		FromVersion:     in.FromVersion,
		ToVersion:       in.ToVersion,
		ArchiveKey:      in.ArchiveKey,
		ArchiveDigest:   in.ArchiveDigest,
		BenchmarkScores: copyFloatMap(in.BenchmarkScores),
		CreatedAt:       time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[c.ID] = c
	return copyCommit(c), nil
}

func (m *MemoryStore) GetCommit(ctx context.Context, id uuid.UUID) (models.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commits[id]
	if !ok {
		return models.Commit{}, ErrNotFound
	}
	return copyCommit(c), nil
}

func (m *MemoryStore) ListCommits(ctx context.Context, filter ListCommitsFilter) ([]models.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var commits []models.Commit
	for _, c := range m.commits {
		if filter.TargetID != "" && c.TargetID != filter.TargetID {
			continue
		}
		if filter.RolledBack != nil && c.RolledBack != *filter.RolledBack {
			continue
		}
		commits = append(commits, copyCommit(c))
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i].CreatedAt.After(commits[j].CreatedAt) })
	return paginate(commits, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) MarkCommitRolledBack(ctx context.Context, id uuid.UUID, reason string) (models.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[id]
	if !ok || c.RolledBack {
		return models.Commit{}, ErrNotFound
	}
	now := time.Now().UTC()
	c.RolledBack = true
	c.RollbackReason = reason
	c.RolledBackAt = &now
	m.commits[id] = c
	return copyCommit(c), nil
}

func (m *MemoryStore) CreateWindow(ctx context.Context, in WindowInput) (models.MonitoringWindow, error) {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = w
	return copyWindow(w), nil
}

func (m *MemoryStore) GetWindowByCommit(ctx context.Context, commitID uuid.UUID) (models.MonitoringWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.windows {
		if w.CommitID == commitID {
			return copyWindow(w), nil
		}
	}
	return models.MonitoringWindow{}, ErrNotFound
}

func (m *MemoryStore) ActiveWindowForTarget(ctx context.Context, targetID string) (models.MonitoringWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.windows {
		if w.TargetID == targetID && w.Status == models.WindowActive {
			return copyWindow(w), nil
		}
	}
	return models.MonitoringWindow{}, ErrNotFound
}

func (m *MemoryStore) ListWindows(ctx context.Context, filter ListWindowsFilter) ([]models.MonitoringWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var windows []models.MonitoringWindow
	for _, w := range m.windows {
		if filter.TargetID != "" && w.TargetID != filter.TargetID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		windows = append(windows, copyWindow(w))
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].OpenedAt.After(windows[j].OpenedAt) })
	return paginate(windows, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) ClaimDueWindows(ctx context.Context, limit int, nextCheckAt time.Time) ([]models.MonitoringWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var due []models.MonitoringWindow
	for _, w := range m.windows {
		if w.Status != models.WindowActive || w.NextCheckAt.After(now) {
			continue
		}
		due = append(due, copyWindow(w))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextCheckAt.Before(due[j].NextCheckAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, w := range due {
		stored := m.windows[w.ID]
		stored.NextCheckAt = nextCheckAt
		m.windows[w.ID] = stored
	}
	return due, nil
}

func (m *MemoryStore) UpdateWindowStatus(ctx context.Context, id uuid.UUID, status models.WindowStatus) (models.MonitoringWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return models.MonitoringWindow{}, ErrNotFound
	}
	w.Status = status
	m.windows[id] = w
	return copyWindow(w), nil
}

func (m *MemoryStore) AppendWindowAlert(ctx context.Context, id uuid.UUID, alert models.Alert) (models.MonitoringWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return models.MonitoringWindow{}, ErrNotFound
	}
	w.Alerts = append(w.Alerts, alert)
	m.windows[id] = w
	return copyWindow(w), nil
}

func (m *MemoryStore) CreateReview(ctx context.Context, in ReviewInput) (models.PendingReview, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	r := models.PendingReview{
		ID:           in.ID,
		CycleID:      in.CycleID,
		ProposalID:   in.ProposalID,
		EvaluationID: in.EvaluationID,
		TargetID:     in.TargetID,
		Gates:        copyStrings(in.Gates),
		Status:       models.ReviewPending,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[r.ID] = r
	return copyReview(r), nil
}

func (m *MemoryStore) GetReview(ctx context.Context, id uuid.UUID) (models.PendingReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reviews[id]
	if !ok {
		return models.PendingReview{}, ErrNotFound
	}
	return copyReview(r), nil
}

func (m *MemoryStore) ListReviews(ctx context.Context, filter ListReviewsFilter) ([]models.PendingReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var reviews []models.PendingReview
	for _, r := range m.reviews {
		if filter.TargetID != "" && r.TargetID != filter.TargetID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		reviews = append(reviews, copyReview(r))
	}
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].CreatedAt.Before(reviews[j].CreatedAt) })
	return paginate(reviews, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) ResolveReview(ctx context.Context, in ReviewResolution) (models.PendingReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[in.ID]
	if !ok || r.Status != models.ReviewPending {
		return models.PendingReview{}, ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = in.Status
	r.DecidedBy = in.DecidedBy
	r.Note = in.Note
	r.DecidedAt = &now
	m.reviews[in.ID] = r
	return copyReview(r), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	limit = normalizeLimit(limit)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
