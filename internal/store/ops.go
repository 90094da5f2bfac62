package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"practice-ops/internal/models"
)

// ---- snapshots ----

func (s *Store) InsertSnapshot(ctx context.Context, snap models.OpsMetricSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ops_metric_snapshots (id, tenant_id, kind, captured_at, metrics)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.ID, snap.TenantID, snap.Kind, snap.CapturedAt, []byte(jsonOrEmpty(snap.Metrics)))
	return errors.Wrap(err, "insert snapshot")
}

func (s *Store) LatestSnapshot(ctx context.Context, tenantID, kind string) (models.OpsMetricSnapshot, error) {
	var snap models.OpsMetricSnapshot
	var metrics []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, kind, captured_at, metrics FROM ops_metric_snapshots
		WHERE tenant_id = $1 AND kind = $2
		ORDER BY captured_at DESC
		LIMIT 1
	`, tenantID, kind).Scan(&snap.ID, &snap.TenantID, &snap.Kind, &snap.CapturedAt, &metrics)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OpsMetricSnapshot{}, errors.Wrapf(models.ErrNotFound, "%s snapshot", kind)
	}
	if err != nil {
		return models.OpsMetricSnapshot{}, errors.Wrap(err, "scan snapshot")
	}
	snap.Metrics = metrics
	return snap, nil
}

// ---- alerts ----

const alertColumns = `id, tenant_id, idempotency_key, type, severity, status, title, message, payload,
	first_seen_at, last_seen_at, last_notified_at, snoozed_until, acknowledged_at, resolved_at, version`

func scanAlert(row pgx.Row) (models.OpsAlert, error) {
	var a models.OpsAlert
	var severity string
	var payload []byte
	var notified, snoozed, acked, resolved pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.TenantID, &a.IdempotencyKey, &a.Type, &severity, &a.Status, &a.Title, &a.Message, &payload,
		&a.FirstSeenAt, &a.LastSeenAt, &notified, &snoozed, &acked, &resolved, &a.Version); err != nil {
		return models.OpsAlert{}, err
	}
	a.Severity = models.Severity(severity)
	if payload != nil {
		a.Payload = payload
	}
	a.LastNotifiedAt = timePtr(notified)
	a.SnoozedUntil = timePtr(snoozed)
	a.AcknowledgedAt = timePtr(acked)
	a.ResolvedAt = timePtr(resolved)
	return a, nil
}

func (s *Store) getAlert(ctx context.Context, what, where string, args ...any) (models.OpsAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM ops_alerts WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OpsAlert{}, errors.Wrapf(models.ErrNotFound, "alert %s", what)
	}
	if err != nil {
		return models.OpsAlert{}, errors.Wrap(err, "scan alert")
	}
	return a, nil
}

func (s *Store) GetAlertByKey(ctx context.Context, tenantID, key string) (models.OpsAlert, error) {
	return s.getAlert(ctx, key, `tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
}

func (s *Store) GetAlert(ctx context.Context, tenantID, id string) (models.OpsAlert, error) {
	return s.getAlert(ctx, id, `tenant_id = $1 AND id = $2`, tenantID, id)
}

// UpdateAlert rewrites the row by id and tenant only while its version still equals
// a.Version, and bumps the version. last_notified_at is owned by MarkAlertNotified.
func (s *Store) UpdateAlert(ctx context.Context, a models.OpsAlert) (bool, error) {
	return s.execConditional(ctx, "alert "+a.ID, `
		UPDATE ops_alerts
		SET type = $3, severity = $4, status = $5, title = $6, message = $7, payload = $8,
		    first_seen_at = $9, last_seen_at = $10, snoozed_until = $11, acknowledged_at = $12, resolved_at = $13,
		    version = version + 1
		WHERE id = $1 AND tenant_id = $2 AND version = $14
	`, a.ID, a.TenantID, a.Type, string(a.Severity), a.Status, a.Title, a.Message, jsonOrNil(a.Payload),
		a.FirstSeenAt, a.LastSeenAt, a.SnoozedUntil, a.AcknowledgedAt, a.ResolvedAt, a.Version)
}

// UpsertAlert writes the single row for (tenant, key) and returns it as stored.
func (s *Store) UpsertAlert(ctx context.Context, a models.OpsAlert) (models.OpsAlert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	out, err := scanAlert(s.pool.QueryRow(ctx, `
		INSERT INTO ops_alerts (id, tenant_id, idempotency_key, type, severity, status, title, message, payload,
		                        first_seen_at, last_seen_at, snoozed_until, acknowledged_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, idempotency_key) DO UPDATE SET
		    type = EXCLUDED.type, severity = EXCLUDED.severity, status = EXCLUDED.status,
		    title = EXCLUDED.title, message = EXCLUDED.message, payload = EXCLUDED.payload,
		    first_seen_at = EXCLUDED.first_seen_at, last_seen_at = EXCLUDED.last_seen_at,
		    snoozed_until = EXCLUDED.snoozed_until, acknowledged_at = EXCLUDED.acknowledged_at,
		    resolved_at = EXCLUDED.resolved_at, version = ops_alerts.version + 1
		RETURNING `+alertColumns,
		a.ID, a.TenantID, a.IdempotencyKey, a.Type, string(a.Severity), a.Status, a.Title, a.Message, jsonOrNil(a.Payload),
		a.FirstSeenAt, a.LastSeenAt, a.SnoozedUntil, a.AcknowledgedAt, a.ResolvedAt))
	if err != nil {
		return models.OpsAlert{}, errors.Wrap(err, "upsert alert")
	}
	return out, nil
}

func (s *Store) MarkAlertNotified(ctx context.Context, tenantID, id string, at time.Time) error {
	return s.execOne(ctx, "alert "+id, `
		UPDATE ops_alerts SET last_notified_at = $3 WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, at)
}

// ListAlerts returns the tenant's alerts, most recently seen first. An empty status lists all.
func (s *Store) ListAlerts(ctx context.Context, tenantID, status string) ([]models.OpsAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM ops_alerts
		WHERE tenant_id = $1 AND ($2 = '' OR status = UPPER($2))
		ORDER BY last_seen_at DESC
	`, tenantID, status)
	if err != nil {
		return nil, errors.Wrap(err, "query alerts")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OpsAlert, error) {
		return scanAlert(row)
	})
}

// ---- users and notifications ----

func (s *Store) ListTenantAdmins(ctx context.Context, tenantID string) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, name FROM tenant_users WHERE tenant_id = $1 AND is_admin ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "query tenant admins")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.User, error) {
		var u models.User
		err := row.Scan(&u.ID, &u.Email, &u.Name)
		return u, err
	})
}

// InsertNotifications writes all rows in one transaction.
func (s *Store) InsertNotifications(ctx context.Context, rows []models.Notification) error {
	if len(rows) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, n := range rows {
			batch.Queue(`
				INSERT INTO notifications (id, tenant_id, user_id, type, title, content, action_url, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, n.ID, n.TenantID, n.UserID, n.Type, n.Title, n.Content, emptyToNil(n.ActionURL), jsonOrNil(n.Metadata), n.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "insert notifications")
		}
		return nil
	})
}
