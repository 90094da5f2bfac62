package health

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/alerts"
	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
)

// AlertApplier is satisfied by *alerts.Engine.
type AlertApplier interface {
	Apply(ctx context.Context, tenantID string, evals []alerts.Evaluation) ([]alerts.Change, error)
}

// Result is returned to the dispatcher for both health check job types.
type Result struct {
	SnapshotID string          `json:"snapshotId"`
	Kind       string          `json:"kind"`
	Metrics    any             `json:"metrics"`
	Alerts     []alerts.Change `json:"alerts"`
}

// Handler measures, then hands the evaluations to the alert engine.
type Handler struct {
	engine     *Engine
	alerts     AlertApplier
	thresholds config.Thresholds
	log        *zap.SugaredLogger
}

func NewHandler(engine *Engine, applier AlertApplier, thresholds config.Thresholds, log *zap.SugaredLogger) *Handler {
	return &Handler{engine: engine, alerts: applier, thresholds: thresholds, log: log.With("component", "health")}
}

// HandleKanban implements jobs.Handler for KANBAN_HEALTH_CHECK.
func (h *Handler) HandleKanban(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	if _, ok := p.(jobs.KanbanHealthCheck); !ok {
		return nil, jobs.Invalid(jobs.TypeKanbanHealthCheck, "unexpected payload %T", p)
	}
	m, snap, err := h.engine.CaptureKanban(ctx, jc.TenantID)
	if err != nil {
		return nil, err
	}
	changes, err := h.alerts.Apply(ctx, jc.TenantID, KanbanRules(m, h.thresholds))
	if err != nil {
		return nil, errors.Wrap(err, "apply kanban alerts")
	}
	h.log.Infow("kanban health checked",
		"tenant_id", jc.TenantID,
		"snapshot_id", snap.ID,
		"open_tasks", m.OpenTasks,
		"max_column", m.MaxColumn,
		"max_column_count", m.MaxColumnCount,
		"orphans", m.OrphanTasks,
		"total_ms", m.TotalMs,
	)
	return Result{SnapshotID: snap.ID, Kind: snap.Kind, Metrics: m, Alerts: changes}, nil
}

// HandleQueue implements jobs.Handler for QUEUE_HEALTH_CHECK.
func (h *Handler) HandleQueue(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	if _, ok := p.(jobs.QueueHealthCheck); !ok {
		return nil, jobs.Invalid(jobs.TypeQueueHealthCheck, "unexpected payload %T", p)
	}
	m, snap, err := h.engine.CaptureQueue(ctx, jc.TenantID)
	if err != nil {
		return nil, err
	}
	changes, err := h.alerts.Apply(ctx, jc.TenantID, QueueRules(m, h.thresholds))
	if err != nil {
		return nil, errors.Wrap(err, "apply queue alerts")
	}
	h.log.Infow("queue health checked",
		"tenant_id", jc.TenantID,
		"snapshot_id", snap.ID,
		"queued", m.QueuedJobs,
		"dead_letters_24h", m.DeadLetters24h,
		"total_ms", m.TotalMs,
	)
	return Result{SnapshotID: snap.ID, Kind: snap.Kind, Metrics: m, Alerts: changes}, nil
}
