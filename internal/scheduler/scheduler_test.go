package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
	"practice-ops/internal/logging"
	"practice-ops/internal/models"
	"practice-ops/internal/store/memstore"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func testConfig() config.Config {
	return config.Config{
		MaxAttempts:         4,
		IdempotencyTTL:      time.Hour,
		Tenants:             []string{"t1", "t2"},
		HealthCheckInterval: 5 * time.Minute,
		ReclaimInterval:     time.Hour,
		ReclaimDefaultTake:  50,
		ReclaimDefaultGrace: 30 * time.Minute,
	}
}

func TestEnqueuer_CreatesAndQueues(t *testing.T) {
	st := memstore.New()
	q := &recordingQueue{}
	e := NewEnqueuer(st, q, testConfig(), logging.Nop())
	ctx := context.Background()

	params := models.CreateJobParams{
		Type:           string(jobs.TypeAuditLog),
		TenantID:       "t1",
		Payload:        json.RawMessage(`{"userId":"u1","action":"case.open","resource":"case:9"}`),
		IdempotencyKey: "audit-1",
	}
	job, dup, err := e.EnqueueJob(ctx, params)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, []string{job.ID}, q.ids)
	require.Len(t, st.JobEvents(job.ID), 1)
	assert.Equal(t, "enqueued", st.JobEvents(job.ID)[0].Event)

	again, dup, err := e.EnqueueJob(ctx, params)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, q.count(), "duplicate must not be queued twice")
}

func TestEnqueuer_RejectsInvalidPayload(t *testing.T) {
	st := memstore.New()
	q := &recordingQueue{}
	e := NewEnqueuer(st, q, testConfig(), logging.Nop())

	_, _, err := e.EnqueueJob(context.Background(), models.CreateJobParams{
		Type:     string(jobs.TypeSendEmail),
		TenantID: "t1",
		Payload:  json.RawMessage(`{"to":"nobody"}`),
	})
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	assert.Zero(t, q.count())

	counts, err := st.CountJobsByStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEnqueuer_QueueFailureMarksJobFailed(t *testing.T) {
	st := memstore.New()
	e := NewEnqueuer(st, &recordingQueue{err: errors.New("redis down")}, testConfig(), logging.Nop())

	_, _, err := e.EnqueueJob(context.Background(), models.CreateJobParams{
		Type:     string(jobs.TypeQueueHealthCheck),
		TenantID: "t1",
	})
	require.Error(t, err)

	counts, err := st.CountJobsByStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusFailed])
}

func TestTicker_BucketsPerInterval(t *testing.T) {
	st := memstore.New()
	q := &recordingQueue{}
	tk := NewTicker(NewEnqueuer(st, q, testConfig(), logging.Nop()), testConfig(), logging.Nop())
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tk.EnqueueHealthChecks(ctx, base.Add(10*time.Second)))
	require.NoError(t, tk.EnqueueHealthChecks(ctx, base.Add(4*time.Minute)))
	assert.Equal(t, 4, q.count(), "two tenants x two checks, second call lands in the same bucket")

	require.NoError(t, tk.EnqueueHealthChecks(ctx, base.Add(5*time.Minute)))
	assert.Equal(t, 8, q.count())
}

func TestTicker_ReclaimPayload(t *testing.T) {
	var captured []models.CreateJobParams
	enq := enqueueFunc(func(_ context.Context, p models.CreateJobParams) (models.Job, bool, error) {
		captured = append(captured, p)
		return models.Job{ID: "j"}, false, nil
	})
	tk := NewTicker(enq, testConfig(), logging.Nop())
	now := time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, tk.EnqueueReclaim(context.Background(), now))
	require.Len(t, captured, 2)
	assert.Equal(t, string(jobs.TypeCleanupUploadIntents), captured[0].Type)
	assert.Equal(t, BucketKey(jobs.TypeCleanupUploadIntents, "t1", now, time.Hour), captured[0].IdempotencyKey)

	p, err := jobs.ParsePayload(jobs.TypeCleanupUploadIntents, captured[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, jobs.CleanupUploadIntents{Take: 50, GraceMinutes: 30}, p)
}

func TestTicker_SkipReclaim(t *testing.T) {
	calls := 0
	enq := enqueueFunc(func(_ context.Context, p models.CreateJobParams) (models.Job, bool, error) {
		calls++
		return models.Job{ID: "j"}, false, nil
	})
	tk := NewTicker(enq, testConfig(), logging.Nop())
	tk.SkipReclaim()
	now := time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, tk.EnqueueReclaim(context.Background(), now))
	assert.Zero(t, calls)
	require.NoError(t, tk.EnqueueHealthChecks(context.Background(), now))
	assert.Equal(t, 4, calls)
}

func TestBucketKey(t *testing.T) {
	a := time.Date(2026, 4, 1, 12, 1, 0, 0, time.UTC)
	b := time.Date(2026, 4, 1, 12, 4, 59, 0, time.UTC)
	c := time.Date(2026, 4, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, BucketKey(jobs.TypeQueueHealthCheck, "t1", a, 5*time.Minute), BucketKey(jobs.TypeQueueHealthCheck, "t1", b, 5*time.Minute))
	assert.NotEqual(t, BucketKey(jobs.TypeQueueHealthCheck, "t1", a, 5*time.Minute), BucketKey(jobs.TypeQueueHealthCheck, "t1", c, 5*time.Minute))
	assert.NotEqual(t, BucketKey(jobs.TypeQueueHealthCheck, "t1", a, 5*time.Minute), BucketKey(jobs.TypeQueueHealthCheck, "t2", a, 5*time.Minute))
}

type enqueueFunc func(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error)

func (f enqueueFunc) EnqueueJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error) {
	return f(ctx, p)
}
