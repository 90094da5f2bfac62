package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"practice-ops/internal/models"
)

// InsertAuditLog writes the entry once per job id.
func (s *Store) InsertAuditLog(ctx context.Context, entry models.AuditLog) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, tenant_id, user_id, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, entry.JobID, entry.TenantID, entry.UserID, entry.Action, entry.Resource, jsonOrNil(entry.Metadata), entry.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert audit log")
	}
	return tag.RowsAffected() == 1, nil
}

// ---- email ledger ----

const deliveryColumns = `id, tenant_id, idempotency_key, status, provider, payload, message_id, error, created_at, updated_at`

func (s *Store) InsertPendingDelivery(ctx context.Context, d models.EmailDeliveryAttempt) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_delivery_attempts (id, tenant_id, idempotency_key, status, provider, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, d.ID, d.TenantID, d.IdempotencyKey, d.Status, d.Provider, jsonOrNil(d.Payload), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert delivery")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetDeliveryByKey(ctx context.Context, tenantID, key string) (models.EmailDeliveryAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM email_delivery_attempts WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	var d models.EmailDeliveryAttempt
	var payload []byte
	var messageID, errMsg pgtype.Text
	if err := row.Scan(&d.ID, &d.TenantID, &d.IdempotencyKey, &d.Status, &d.Provider, &payload, &messageID, &errMsg, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmailDeliveryAttempt{}, errors.Wrapf(models.ErrNotFound, "delivery %s", key)
		}
		return models.EmailDeliveryAttempt{}, errors.Wrap(err, "scan delivery")
	}
	d.Payload = payload
	d.MessageID = textPtr(messageID)
	d.Error = textPtr(errMsg)
	return d, nil
}

// ClaimDelivery moves a FAILED row, or a PENDING row older than staleBefore, back to PENDING.
func (s *Store) ClaimDelivery(ctx context.Context, tenantID, id, provider string, staleBefore time.Time) (bool, error) {
	return s.execConditional(ctx, "delivery "+id, `
		UPDATE email_delivery_attempts
		SET status = $3, provider = $4, error = NULL, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		  AND (status = $5 OR (status = $3 AND updated_at < $6))
	`, id, tenantID, models.DeliveryPending, provider, models.DeliveryFailed, staleBefore)
}

func (s *Store) MarkDeliverySent(ctx context.Context, tenantID, id, messageID string) error {
	return s.execOne(ctx, "delivery "+id, `
		UPDATE email_delivery_attempts SET status = $3, message_id = NULLIF($4, ''), error = NULL, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, models.DeliverySent, messageID)
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, tenantID, id, errMsg string) error {
	return s.execOne(ctx, "delivery "+id, `
		UPDATE email_delivery_attempts SET status = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, models.DeliveryFailed, errMsg)
}

// ---- tool invocations ----

func (s *Store) GetInvocation(ctx context.Context, tenantID, id string) (models.ToolInvocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, tool_module_id, status, payload, response, error, created_at, updated_at
		FROM tool_invocations WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	var inv models.ToolInvocation
	var payload, response []byte
	var errMsg pgtype.Text
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.ToolModuleID, &inv.Status, &payload, &response, &errMsg, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ToolInvocation{}, errors.Wrapf(models.ErrNotFound, "invocation %s", id)
		}
		return models.ToolInvocation{}, errors.Wrap(err, "scan invocation")
	}
	inv.Payload = payload
	if response != nil {
		inv.Response = response
	}
	inv.Error = textPtr(errMsg)
	return inv, nil
}

func (s *Store) GetToolModule(ctx context.Context, tenantID, id string) (models.ToolModule, error) {
	var m models.ToolModule
	var url pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, active, webhook_url FROM tool_modules WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&m.ID, &m.TenantID, &m.Name, &m.Active, &url)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ToolModule{}, errors.Wrapf(models.ErrNotFound, "tool module %s", id)
	}
	if err != nil {
		return models.ToolModule{}, errors.Wrap(err, "scan tool module")
	}
	m.WebhookURL = textPtr(url)
	return m, nil
}

// UpdatePendingInvocation applies u only while the invocation is still PENDING.
func (s *Store) UpdatePendingInvocation(ctx context.Context, tenantID, id string, u models.InvocationUpdate) (bool, error) {
	return s.execConditional(ctx, "invocation "+id, `
		UPDATE tool_invocations
		SET status = $3, response = COALESCE($4, response), error = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $6
	`, id, tenantID, u.Status, jsonOrNil(u.Response), u.Error, models.InvocationPending)
}

// ---- upload intents and documents ----

func (s *Store) ListReclaimableIntents(ctx context.Context, tenantID string, cutoff time.Time, take int) ([]models.UploadIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, case_id, document_id, expected_version, key, status, diagnostic, rejected,
		       deleted_bytes, expires_at, created_at, updated_at
		FROM upload_intents
		WHERE tenant_id = $1 AND status IN ($2, $3) AND NOT rejected AND expires_at < $4
		ORDER BY expires_at
		LIMIT $5
	`, tenantID, models.UploadInitiated, models.UploadFailed, cutoff, take)
	if err != nil {
		return nil, errors.Wrap(err, "query reclaimable intents")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.UploadIntent, error) {
		var in models.UploadIntent
		var diag pgtype.Text
		err := row.Scan(&in.ID, &in.TenantID, &in.CaseID, &in.DocumentID, &in.ExpectedVersion, &in.Key, &in.Status,
			&diag, &in.Rejected, &in.DeletedBytes, &in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt)
		in.Diagnostic = textPtr(diag)
		return in, err
	})
}

func (s *Store) DocumentVersionHasKey(ctx context.Context, tenantID, documentID, key string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM document_versions WHERE tenant_id = $1 AND document_id = $2 AND file_url = $3)
	`, tenantID, documentID, key).Scan(&ok)
	return ok, errors.Wrap(err, "check document versions")
}

func (s *Store) DocumentPointsAtKey(ctx context.Context, tenantID, documentID, key string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM documents WHERE tenant_id = $1 AND id = $2 AND file_url = $3)
	`, tenantID, documentID, key).Scan(&ok)
	return ok, errors.Wrap(err, "check document pointer")
}

// UpdateOpenIntent applies u only while the intent is INITIATED or FAILED.
func (s *Store) UpdateOpenIntent(ctx context.Context, tenantID, id string, u models.IntentUpdate) (bool, error) {
	return s.execConditional(ctx, "upload intent "+id, `
		UPDATE upload_intents
		SET status = $3, diagnostic = $4, rejected = $5, deleted_bytes = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status IN ($7, $8)
	`, id, tenantID, u.Status, u.Diagnostic, u.Rejected, u.DeletedBytes, models.UploadInitiated, models.UploadFailed)
}

// ---- tasks ----

func (s *Store) CountTasksByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM tasks WHERE tenant_id = $1 GROUP BY status`, tenantID)
}

func (s *Store) CountOrphanTasks(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE tenant_id = $1 AND status <> ALL($2) AND case_id IS NULL AND project_id IS NULL
	`, tenantID, models.TerminalTaskStatuses).Scan(&n)
	return n, errors.Wrap(err, "count orphan tasks")
}

func (s *Store) OldestOpenTaskCreatedAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var ts pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM tasks WHERE tenant_id = $1 AND status <> ALL($2)
	`, tenantID, models.TerminalTaskStatuses).Scan(&ts); err != nil {
		return nil, errors.Wrap(err, "oldest open task")
	}
	return timePtr(ts), nil
}

// TopTaskBacklogs groups open tasks by "project" or "case", largest first.
func (s *Store) TopTaskBacklogs(ctx context.Context, tenantID, groupBy string, limit int) ([]models.BacklogEntry, error) {
	var column string
	switch groupBy {
	case "project":
		column = "project_id"
	case "case":
		column = "case_id"
	default:
		return nil, errors.Newf("unknown backlog grouping %q", groupBy)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+column+`, COUNT(*) AS n FROM tasks
		WHERE tenant_id = $1 AND status <> ALL($2) AND `+column+` IS NOT NULL
		GROUP BY `+column+`
		ORDER BY n DESC, `+column+`
		LIMIT $3
	`, tenantID, models.TerminalTaskStatuses, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "top backlogs by %s", groupBy)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BacklogEntry, error) {
		var e models.BacklogEntry
		err := row.Scan(&e.ID, &e.Count)
		return e, err
	})
}
