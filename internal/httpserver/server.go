// Package httpserver exposes the pipeline over HTTP: target management,
// cycle execution, the review queue, rollback and the audit read API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/auth"
	"github.com/refineryhq/refinery/internal/commit"
	"github.com/refineryhq/refinery/internal/config"
	"github.com/refineryhq/refinery/internal/models"
	"github.com/refineryhq/refinery/internal/orchestrator"
	"github.com/refineryhq/refinery/internal/proposal"
	"github.com/refineryhq/refinery/internal/store"
	"github.com/refineryhq/refinery/internal/versionstore"
)

type Server struct {
	cfg      config.Config
	store    store.Store
	audit    audit.Store
	recorder *audit.Recorder
	orch     *orchestrator.Orchestrator
	verifier *auth.Verifier
}

func New(cfg config.Config, st store.Store, auditStore audit.Store, rec *audit.Recorder, orch *orchestrator.Orchestrator, verifier *auth.Verifier) *Server {
	return &Server{cfg: cfg, store: st, audit: auditStore, recorder: rec, orch: orch, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Cycles run synchronously and a scorer-backed evaluation can take a
		// while, so they get their own timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			r.Post("/cycles", s.handleRunCycle)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/targets", s.handleCreateTarget)
			r.Get("/targets", s.handleListTargets)
			r.Get("/targets/*", s.handleGetTarget)
			r.Get("/changelog", s.handleChangelog)

			r.Get("/cycles", s.handleListCycles)
			r.Get("/cycles/{id}", s.handleGetCycle)

			r.Get("/reviews", s.handleListReviews)
			r.Get("/reviews/{id}", s.handleGetReview)

			r.Get("/commits", s.handleListCommits)
			r.Get("/commits/{id}", s.handleGetCommit)
			r.Get("/windows", s.handleListWindows)

			r.Get("/audit/entries", s.handleListAudit)
			r.Get("/audit/entries/{id}", s.handleGetAudit)

			r.Group(func(r chi.Router) {
				r.Use(s.reviewAuth)
				r.Post("/reviews/{id}/approve", s.handleApproveReview)
				r.Post("/reviews/{id}/deny", s.handleDenyReview)
				r.Post("/commits/{id}/rollback", s.handleRollback)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	if s.audit != nil {
		if err := s.audit.Ping(ctx); err != nil {
			status["ok"] = false
			status["audit"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

type createTargetRequest struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Content  string `json:"content"`
	Frozen   bool   `json:"frozen"`
	Version  string `json:"version"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" || req.Category == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "id, category and content are required")
		return
	}
	target, err := s.store.CreateTarget(r.Context(), store.TargetInput{
		ID:       req.ID,
		Category: req.Category,
		Frozen:   req.Frozen,
		Version:  req.Version,
		Content:  req.Content,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.auditRecord(r.Context(), target.Category, audit.EntityTarget, target.ID, audit.EventTargetCreated, target)
	respondJSON(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context(), store.ListTargetsFilter{
		Category: r.URL.Query().Get("category"),
		Limit:    qInt(r, "limit"),
		Offset:   qInt(r, "offset"),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	// Target ids contain slashes, so the id is the rest of the path.
	id := chi.URLParam(r, "*")
	if id == "" {
		respondError(w, http.StatusBadRequest, "target id required")
		return
	}
	target, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, target)
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target")
	if targetID == "" {
		respondError(w, http.StatusBadRequest, "target query parameter required")
		return
	}
	if _, err := s.store.GetTarget(r.Context(), targetID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	records, err := s.store.ListChangelog(r.Context(), targetID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

type runCycleRequest struct {
	TargetID string `json:"targetId"`
	Goal     string `json:"goal"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req runCycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetID == "" {
		respondError(w, http.StatusBadRequest, "targetId required")
		return
	}
	cycle, err := s.orch.RunCycle(r.Context(), req.TargetID, req.Goal)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.store.ListCycles(r.Context(), store.ListCyclesFilter{
		TargetID: r.URL.Query().Get("target"),
		Limit:    qInt(r, "limit"),
		Offset:   qInt(r, "offset"),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid cycle id")
		return
	}
	cycle, err := s.store.GetCycle(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.store.ListReviews(r.Context(), store.ListReviewsFilter{
		TargetID: r.URL.Query().Get("target"),
		Status:   models.ReviewStatus(r.URL.Query().Get("status")),
		Limit:    qInt(r, "limit"),
		Offset:   qInt(r, "offset"),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid review id")
		return
	}
	review, err := s.store.GetReview(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, review)
}

type resolveReviewRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	s.resolveReview(w, r, true)
}

func (s *Server) handleDenyReview(w http.ResponseWriter, r *http.Request) {
	s.resolveReview(w, r, false)
}

func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid review id")
		return
	}
	var req resolveReviewRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	review, cycle, err := s.orch.Resolve(r.Context(), id, approve, principalFrom(r.Context()), req.Note)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"review": review,
		"cycle":  cycle,
	})
}

func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	filter := store.ListCommitsFilter{
		TargetID: r.URL.Query().Get("target"),
		Limit:    qInt(r, "limit"),
		Offset:   qInt(r, "offset"),
	}
	if v := r.URL.Query().Get("rolledBack"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid rolledBack value")
			return
		}
		filter.RolledBack = &b
	}
	commits, err := s.store.ListCommits(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, commits)
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid commit id")
		return
	}
	c, err := s.store.GetCommit(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid commit id")
		return
	}
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason required")
		return
	}
	reason := fmt.Sprintf("%s (requested by %s)", req.Reason, principalFrom(r.Context()))
	c, err := s.orch.RollbackCommit(r.Context(), id, reason, nil)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := s.store.ListWindows(r.Context(), store.ListWindowsFilter{
		TargetID: r.URL.Query().Get("target"),
		Status:   models.WindowStatus(r.URL.Query().Get("status")),
		Limit:    qInt(r, "limit"),
		Offset:   qInt(r, "offset"),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, windows)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	entries, err := s.audit.ListEntries(r.Context(), audit.ListFilter{
		Key:       r.URL.Query().Get("key"),
		EventType: r.URL.Query().Get("event"),
		Limit:     qInt(r, "limit"),
		Offset:    qInt(r, "offset"),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	entry, err := s.audit.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

type contextKey string

const principalKey contextKey = "principal"

func (s *Server) reviewAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.verifier.VerifyRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func principalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey).(string); ok && p != "" {
		return p
	}
	return "unknown"
}

func (s *Server) auditRecord(ctx context.Context, category, entityType, id, event string, payload interface{}) {
	if err := s.recorder.Record(ctx, category, entityType, id, event, payload); err != nil {
		log.Printf("[httpserver] audit %s %s: %v", event, id, err)
	}
}

func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, audit.ErrNotFound), errors.Is(err, versionstore.ErrArchiveNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrCycleInFlight),
		errors.Is(err, orchestrator.ErrAwaitingReview),
		errors.Is(err, orchestrator.ErrWindowActive),
		errors.Is(err, orchestrator.ErrReviewResolved),
		errors.Is(err, commit.ErrAlreadyRolledBack),
		errors.Is(err, commit.ErrWindowNotActive),
		errors.Is(err, versionstore.ErrArchiveExists),
		errors.Is(err, proposal.ErrStaleBaseline):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, proposal.ErrFrozenTarget):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, proposal.ErrEmptyProposal),
		errors.Is(err, proposal.ErrTooManyEdits),
		errors.Is(err, proposal.ErrEditMismatch):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func qInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
