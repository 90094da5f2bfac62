package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
)

// AuditStore inserts audit rows; a second insert for the same job id is a no-op.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, entry models.AuditLog) (bool, error)
}

// AuditResult is stored as the AUDIT_LOG job result.
type AuditResult struct {
	JobID    string `json:"jobId"`
	Inserted bool   `json:"inserted"`
}

// AuditHandler appends tenant audit trail entries.
type AuditHandler struct {
	store AuditStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewAuditHandler(store AuditStore, log *zap.SugaredLogger) *AuditHandler {
	return &AuditHandler{store: store, log: log.With("component", "audit"), now: time.Now}
}

// Handle implements jobs.Handler for AUDIT_LOG.
func (h *AuditHandler) Handle(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	entry, ok := p.(jobs.AuditLog)
	if !ok {
		return nil, jobs.Invalid(jobs.TypeAuditLog, "unexpected payload %T", p)
	}
	jobID := jc.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	inserted, err := h.store.InsertAuditLog(ctx, models.AuditLog{
		JobID:     jobID,
		TenantID:  jc.TenantID,
		UserID:    entry.UserID,
		Action:    entry.Action,
		Resource:  entry.Resource,
		Metadata:  entry.Metadata,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "insert audit log")
	}
	if !inserted {
		h.log.Debugw("audit entry already recorded", "job_id", jobID, "tenant_id", jc.TenantID)
	}
	return AuditResult{JobID: jobID, Inserted: inserted}, nil
}
