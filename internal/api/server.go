// Package api is the HTTP surface of the ops core: job submission, alert actions
// and the latest health snapshots.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"practice-ops/internal/alerts"
	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// JobStore reads and cancels persisted jobs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	AppendJobEvent(ctx context.Context, jobID, event, detail string) error
}

// Enqueuer is satisfied by *scheduler.Enqueuer.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error)
}

// JobQueue is the slice of the Redis queue the API touches.
type JobQueue interface {
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// AlertReader lists a tenant's alerts.
type AlertReader interface {
	ListAlerts(ctx context.Context, tenantID, status string) ([]models.OpsAlert, error)
}

// AlertActions is satisfied by *alerts.Engine.
type AlertActions interface {
	Acknowledge(ctx context.Context, tenantID, id string) (models.OpsAlert, error)
	Snooze(ctx context.Context, tenantID, id string, until time.Time) (models.OpsAlert, error)
	Resolve(ctx context.Context, tenantID, id string) (models.OpsAlert, error)
}

type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, tenantID, kind string) (models.OpsMetricSnapshot, error)
}

// BoardSignal is satisfied by *signal.Board.
type BoardSignal interface {
	Touch(ctx context.Context, tenantID string, at time.Time) error
}

// Deps are the collaborators behind the routes. Limiter may be nil.
type Deps struct {
	Jobs      JobStore
	Enqueuer  Enqueuer
	Queue     JobQueue
	Limiter   Limiter
	Alerts    AlertReader
	Actions   AlertActions
	Snapshots SnapshotReader
	Board     BoardSignal
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	deps Deps
	log  *zap.SugaredLogger
	now  func() time.Time
}

// New constructs the API server.
func New(deps Deps, log *zap.SugaredLogger) *Server {
	return &Server{deps: deps, log: log.With("component", "api"), now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Post("/{id}/acknowledge", s.handleAcknowledge)
		r.Post("/{id}/snooze", s.handleSnooze)
		r.Post("/{id}/resolve", s.handleResolve)
	})
	r.Get("/snapshots/latest", s.handleLatestSnapshot)
	r.Post("/board/changed", s.handleBoardChanged)
	return r
}

type enqueueRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at"`
	DelaySeconds   int             `json:"delay_seconds"`
	Priority       string          `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		httpError(w, http.StatusBadRequest, "type is required")
		return
	}
	tenant := tenantFromRequest(r)
	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			s.log.Errorw("rate limiter", "tenant", tenant, "error", err)
			httpError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			httpError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	job, idempotent, err := s.deps.Enqueuer.EnqueueJob(r.Context(), models.CreateJobParams{
		Type:           req.Type,
		Priority:       req.Priority,
		TenantID:       tenant,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		if jobs.IsPermanent(err) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorw("enqueue job", "tenant", tenant, "type", req.Type, "error", err)
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

// tenantJob loads a job and hides it from other tenants.
func (s *Server) tenantJob(r *http.Request) (models.Job, error) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != tenantFromRequest(r) {
		return models.Job{}, errors.Wrapf(models.ErrNotFound, "job %s", job.ID)
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tenantJob(r)
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.tenantJob(r)
	if err != nil {
		s.fail(w, "cancel job", err)
		return
	}
	switch job.Status {
	case models.StatusSucceeded, models.StatusDeadLetter, models.StatusCancelled:
		httpError(w, http.StatusConflict, "job already "+job.Status)
		return
	}
	if err := s.deps.Queue.Cancel(r.Context(), job.ID); err != nil {
		s.fail(w, "cancel queue item", err)
		return
	}
	if err := s.deps.Jobs.MarkCancelled(r.Context(), job.ID); err != nil {
		s.fail(w, "cancel job", err)
		return
	}
	_ = s.deps.Jobs.AppendJobEvent(r.Context(), job.ID, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.DLQPeek(r.Context(), 100)
	if err != nil {
		s.fail(w, "read dlq", err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(r.URL.Query().Get("status"))
	switch status {
	case "", models.AlertOpen, models.AlertSnoozed, models.AlertResolved:
	default:
		httpError(w, http.StatusBadRequest, "unknown status "+status)
		return
	}
	list, err := s.deps.Alerts.ListAlerts(r.Context(), tenantFromRequest(r), status)
	if err != nil {
		s.fail(w, "list alerts", err)
		return
	}
	if list == nil {
		list = []models.OpsAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Actions.Acknowledge(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	s.alertResult(w, "acknowledge alert", a, err)
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Minutes <= 0 {
		httpError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}
	until := s.now().Add(time.Duration(req.Minutes) * time.Minute)
	a, err := s.deps.Actions.Snooze(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), until)
	s.alertResult(w, "snooze alert", a, err)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Actions.Resolve(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	s.alertResult(w, "resolve alert", a, err)
}

func (s *Server) alertResult(w http.ResponseWriter, op string, a models.OpsAlert, err error) {
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != models.SnapshotKanban && kind != models.SnapshotQueue {
		httpError(w, http.StatusBadRequest, "kind must be kanban or queue")
		return
	}
	snap, err := s.deps.Snapshots.LatestSnapshot(r.Context(), tenantFromRequest(r), kind)
	if err != nil {
		s.fail(w, "latest snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBoardChanged(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if err := s.deps.Board.Touch(r.Context(), tenant, s.now()); err != nil {
		s.fail(w, "touch board signal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto status codes and logs the rest.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		httpError(w, http.StatusNotFound, "not found")
	case errors.Is(err, alerts.ErrInvalidTransition), errors.Is(err, alerts.ErrConflict):
		httpError(w, http.StatusConflict, err.Error())
	default:
		s.log.Errorw(op, "error", err)
		httpError(w, http.StatusInternalServerError, op+" failed")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
