package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-ops/internal/alerts"
	"practice-ops/internal/delivery"
	"practice-ops/internal/health"
	"practice-ops/internal/models"
	"practice-ops/internal/notify"
	"practice-ops/internal/reclaim"
	"practice-ops/internal/scheduler"
	"practice-ops/internal/webhook"
	"practice-ops/internal/worker"
)

var (
	_ delivery.Store       = (*Store)(nil)
	_ webhook.Store        = (*Store)(nil)
	_ reclaim.Store        = (*Store)(nil)
	_ alerts.Store         = (*Store)(nil)
	_ health.KanbanSource  = (*Store)(nil)
	_ health.QueueSource   = (*Store)(nil)
	_ health.SnapshotStore = (*Store)(nil)
	_ notify.Store         = (*Store)(nil)
	_ worker.JobStore      = (*Store)(nil)
	_ worker.AuditStore    = (*Store)(nil)
	_ scheduler.JobStore   = (*Store)(nil)
)

// newTestStore migrates a throwaway schema and drops it when the test ends.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("set POSTGRES_TEST_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("ops_test_%d", time.Now().UnixNano())

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	st, err := New(ctx, dsn+sep+"search_path="+schema)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	require.NoError(t, st.RunMigrations(ctx), "migrations must be re-runnable")
	return st
}

func (s *Store) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

func TestPostgres_JobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := models.CreateJobParams{
		Type:           "AUDIT_LOG",
		TenantID:       "t1",
		Payload:        json.RawMessage(`{"userId":"u1","action":"a","resource":"r"}`),
		IdempotencyKey: "idem-1",
		IdempotencyTTL: time.Hour,
		MaxAttempts:    3,
	}
	job, dup, err := st.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.False(t, dup)

	again, dup, err := st.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, job.ID, again.ID)

	require.NoError(t, st.SetWorkerID(ctx, job.ID, "w1"))
	require.NoError(t, st.UpdateAttempts(ctx, job.ID, 1, time.Now(), "boom"))
	require.NoError(t, st.MarkSuccess(ctx, job.ID, json.RawMessage(`{"ok":true}`)))
	require.NoError(t, st.AppendJobEvent(ctx, job.ID, "succeeded", "done"))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "w1", *got.WorkerID)

	events, err := st.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, st.MarkCancelled(ctx, "missing"), models.ErrNotFound)
}

func TestPostgres_QueueAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := st.CreateJob(ctx, models.CreateJobParams{Type: "QUEUE_HEALTH_CHECK", TenantID: "t1"})
		require.NoError(t, err)
	}
	dead, _, err := st.CreateJob(ctx, models.CreateJobParams{Type: "QUEUE_HEALTH_CHECK", TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, st.MarkDeadLetter(ctx, dead.ID, 3, "boom"))

	counts, err := st.CountJobsByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.StatusQueued: 2, models.StatusDeadLetter: 1}, counts)

	n, err := st.CountDeadLettersSince(ctx, "t1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	oldest, err := st.OldestQueuedJobCreatedAt(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, oldest)

	none, err := st.OldestQueuedJobCreatedAt(ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPostgres_DeliveryLedger(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := models.EmailDeliveryAttempt{ID: "d1", TenantID: "t1", IdempotencyKey: "k", Status: models.DeliveryPending, Provider: "log", CreatedAt: now, UpdatedAt: now}

	ok, err := st.InsertPendingDelivery(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
	d.ID = "d2"
	ok, err = st.InsertPendingDelivery(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok, "(tenant, key) is unique")

	claimed, err := st.ClaimDelivery(ctx, "t1", "d1", "log", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "fresh PENDING row is not claimable")

	require.NoError(t, st.MarkDeliveryFailed(ctx, "t1", "d1", "smtp 451"))
	claimed, err = st.ClaimDelivery(ctx, "t1", "d1", "log", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, st.MarkDeliverySent(ctx, "t1", "d1", "msg-1"))
	got, err := st.GetDeliveryByKey(ctx, "t1", "k")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, got.Status)
	require.NotNil(t, got.MessageID)
	assert.Equal(t, "msg-1", *got.MessageID)

	_, err = st.GetDeliveryByKey(ctx, "t2", "k")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgres_InvocationsAndIntents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.exec(t, `INSERT INTO tool_modules (id, tenant_id, name, active, webhook_url) VALUES ('m1', 't1', 'Docket', true, 'https://hooks.example.com/x')`)
	st.exec(t, `INSERT INTO tool_invocations (id, tenant_id, tool_module_id, status, payload) VALUES ('i1', 't1', 'm1', 'PENDING', '{"a":1}')`)

	m, err := st.GetToolModule(ctx, "t1", "m1")
	require.NoError(t, err)
	require.NotNil(t, m.WebhookURL)

	ok, err := st.UpdatePendingInvocation(ctx, "t1", "i1", models.InvocationUpdate{Status: models.InvocationSuccess, Response: json.RawMessage(`{"done":true}`)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.UpdatePendingInvocation(ctx, "t1", "i1", models.InvocationUpdate{Status: models.InvocationError})
	require.NoError(t, err)
	assert.False(t, ok, "terminal rows are not rewritten")

	inv, err := st.GetInvocation(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, models.InvocationSuccess, inv.Status)
	_, err = st.GetInvocation(ctx, "t2", "i1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	past := time.Now().Add(-2 * time.Hour)
	st.exec(t, `INSERT INTO documents (id, tenant_id, case_id, current_version, file_url) VALUES ('doc1', 't1', 'c1', 2, 'tenants/t1/cases/c1/documents/doc1/v2/a.pdf')`)
	st.exec(t, `INSERT INTO upload_intents (id, tenant_id, case_id, document_id, expected_version, key, status, expires_at)
		VALUES ('u1', 't1', 'c1', 'doc1', 3, 'tenants/t1/cases/c1/documents/doc1/v3/b.pdf', 'INITIATED', $1),
		       ('u2', 't1', 'c1', 'doc1', 4, 'tenants/t1/cases/c1/documents/doc1/v4/c.pdf', 'CLEANED', $1)`, past)
	st.exec(t, `INSERT INTO upload_intents (id, tenant_id, case_id, document_id, expected_version, key, status, rejected, expires_at)
		VALUES ('u3', 't1', 'c1', 'doc1', 5, 'elsewhere/d.pdf', 'FAILED', true, $1)`, past.Add(-time.Hour))

	intents, err := st.ListReclaimableIntents(ctx, "t1", time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "u1", intents[0].ID)

	points, err := st.DocumentPointsAtKey(ctx, "t1", "doc1", "tenants/t1/cases/c1/documents/doc1/v2/a.pdf")
	require.NoError(t, err)
	assert.True(t, points)

	diag := "gone"
	ok, err = st.UpdateOpenIntent(ctx, "t1", "u1", models.IntentUpdate{Status: models.UploadExpired, Diagnostic: &diag})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.UpdateOpenIntent(ctx, "t1", "u1", models.IntentUpdate{Status: models.UploadCleaned})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_TaskAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.exec(t, `INSERT INTO tasks (id, tenant_id, case_id, project_id, status, created_at) VALUES
		('a', 't1', 'c1', NULL, 'TODO', NOW() - INTERVAL '3 days'),
		('b', 't1', 'c1', 'p1', 'REVIEW', NOW()),
		('c', 't1', NULL, NULL, 'BLOCKED', NOW()),
		('d', 't1', NULL, NULL, 'DONE', NOW() - INTERVAL '300 days'),
		('e', 't2', NULL, NULL, 'TODO', NOW())`)

	counts, err := st.CountTasksByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["DONE"])

	orphans, err := st.CountOrphanTasks(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)

	oldest, err := st.OldestOpenTaskCreatedAt(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, time.Now().Add(-72*time.Hour), *oldest, time.Minute)

	cases, err := st.TopTaskBacklogs(ctx, "t1", "case", 5)
	require.NoError(t, err)
	assert.Equal(t, []models.BacklogEntry{{ID: "c1", Count: 2}}, cases)

	_, err = st.TopTaskBacklogs(ctx, "t1", "owner", 5)
	assert.Error(t, err)
}

func TestPostgres_AlertsAndNotifications(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a, err := st.UpsertAlert(ctx, models.OpsAlert{
		TenantID: "t1", IdempotencyKey: "kanban_backlog", Type: "kanban_backlog", Severity: models.SeverityP2,
		Status: models.AlertOpen, Title: "Backlog", FirstSeenAt: now, LastSeenAt: now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.NoError(t, st.MarkAlertNotified(ctx, "t1", a.ID, now))

	a.Severity = models.SeverityP0
	ok, err := st.UpdateAlert(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := a
	stale.Status = models.AlertResolved
	ok, err = st.UpdateAlert(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "version moved on")
	current, err := st.GetAlert(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version+1, current.Version)
	assert.Equal(t, models.AlertOpen, current.Status)

	again, err := st.UpsertAlert(ctx, models.OpsAlert{
		ID: "other", TenantID: "t1", IdempotencyKey: "kanban_backlog", Type: "kanban_backlog", Severity: models.SeverityP0,
		Status: models.AlertOpen, Title: "Backlog", FirstSeenAt: now, LastSeenAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID, "one row per (tenant, key)")
	require.NotNil(t, again.LastNotifiedAt)
	assert.True(t, now.Equal(*again.LastNotifiedAt))

	open, err := st.ListAlerts(ctx, "t1", "open")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.SeverityP0, open[0].Severity)

	st.exec(t, `INSERT INTO tenant_users (tenant_id, id, email, name, is_admin) VALUES ('t1', 'u1', 'a@firm.test', 'A', true), ('t1', 'u2', '', 'B', false)`)
	admins, err := st.ListTenantAdmins(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []models.User{{ID: "u1", Email: "a@firm.test", Name: "A"}}, admins)

	require.NoError(t, st.InsertNotifications(ctx, []models.Notification{
		{ID: "n1", TenantID: "t1", UserID: "u1", Type: "OPS_ALERT", Title: "x", CreatedAt: now},
		{ID: "n2", TenantID: "t1", UserID: "u1", Type: "OPS_ALERT", Title: "y", CreatedAt: now},
	}))

	require.NoError(t, st.InsertSnapshot(ctx, models.OpsMetricSnapshot{ID: "s1", TenantID: "t1", Kind: models.SnapshotQueue, CapturedAt: now, Metrics: json.RawMessage(`{"queuedJobs":1}`)}))
	require.NoError(t, st.InsertSnapshot(ctx, models.OpsMetricSnapshot{ID: "s2", TenantID: "t1", Kind: models.SnapshotQueue, CapturedAt: now.Add(time.Minute), Metrics: json.RawMessage(`{"queuedJobs":2}`)}))
	latest, err := st.LatestSnapshot(ctx, "t1", models.SnapshotQueue)
	require.NoError(t, err)
	assert.Equal(t, "s2", latest.ID)
	_, err = st.LatestSnapshot(ctx, "t1", models.SnapshotKanban)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgres_AuditIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	entry := models.AuditLog{JobID: "j1", TenantID: "t1", UserID: "u1", Action: "a", Resource: "r", CreatedAt: time.Now()}
	ok, err := st.InsertAuditLog(ctx, entry)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.InsertAuditLog(ctx, entry)
	require.NoError(t, err)
	assert.False(t, ok)
}
