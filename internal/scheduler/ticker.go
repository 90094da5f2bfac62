package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
)

// JobEnqueuer is satisfied by *Enqueuer.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error)
}

// Ticker enqueues recurring jobs for every configured tenant. Idempotency keys are
// bucketed by interval, so several workers running a ticker enqueue each run once.
type Ticker struct {
	enq          JobEnqueuer
	tenants      []string
	healthEvery  time.Duration
	reclaimEvery time.Duration
	reclaim      jobs.CleanupUploadIntents
	skipReclaim  bool
	log          *zap.SugaredLogger
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

func NewTicker(enq JobEnqueuer, cfg config.Config, log *zap.SugaredLogger) *Ticker {
	health := cfg.HealthCheckInterval
	if health <= 0 {
		health = 5 * time.Minute
	}
	reclaim := cfg.ReclaimInterval
	if reclaim <= 0 {
		reclaim = time.Hour
	}
	take := cfg.ReclaimDefaultTake
	if take <= 0 || take > jobs.MaxCleanupTake {
		take = jobs.DefaultCleanupTake
	}
	return &Ticker{
		enq:          enq,
		tenants:      cfg.Tenants,
		healthEvery:  health,
		reclaimEvery: reclaim,
		reclaim: jobs.CleanupUploadIntents{
			Take:         take,
			GraceMinutes: int(cfg.ReclaimDefaultGrace / time.Minute),
		},
		log: log.With("component", "ticker"),
	}
}

// SkipReclaim turns EnqueueReclaim into a no-op, for workers with no object store.
func (t *Ticker) SkipReclaim() {
	t.skipReclaim = true
}

// Start runs both schedules immediately and then on their intervals until Stop.
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)
	t.log.Infow("ticker started", "tenants", len(t.tenants), "health_every", t.healthEvery, "reclaim_every", t.reclaimEvery)
}

// Stop cancels the loop and waits for it to exit.
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.log.Infow("ticker stopped")
}

func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	health := time.NewTicker(t.healthEvery)
	defer health.Stop()
	reclaim := time.NewTicker(t.reclaimEvery)
	defer reclaim.Stop()

	t.logErr("health checks", t.EnqueueHealthChecks(ctx, time.Now()))
	t.logErr("reclaim", t.EnqueueReclaim(ctx, time.Now()))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-health.C:
			t.logErr("health checks", t.EnqueueHealthChecks(ctx, now))
		case now := <-reclaim.C:
			t.logErr("reclaim", t.EnqueueReclaim(ctx, now))
		}
	}
}

func (t *Ticker) logErr(what string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warnw("scheduled enqueue failed", "schedule", what, "error", err)
	}
}

// EnqueueHealthChecks enqueues KANBAN_HEALTH_CHECK and QUEUE_HEALTH_CHECK for each tenant.
func (t *Ticker) EnqueueHealthChecks(ctx context.Context, now time.Time) error {
	var errs error
	for _, tenant := range t.tenants {
		for _, jt := range []jobs.JobType{jobs.TypeKanbanHealthCheck, jobs.TypeQueueHealthCheck} {
			errs = errors.CombineErrors(errs, t.enqueue(ctx, jt, tenant, []byte(`{}`), now, t.healthEvery))
		}
	}
	return errs
}

// EnqueueReclaim enqueues CLEANUP_UPLOAD_INTENTS for each tenant.
func (t *Ticker) EnqueueReclaim(ctx context.Context, now time.Time) error {
	if t.skipReclaim {
		return nil
	}
	payload, err := json.Marshal(t.reclaim)
	if err != nil {
		return errors.Wrap(err, "marshal cleanup payload")
	}
	var errs error
	for _, tenant := range t.tenants {
		errs = errors.CombineErrors(errs, t.enqueue(ctx, jobs.TypeCleanupUploadIntents, tenant, payload, now, t.reclaimEvery))
	}
	return errs
}

func (t *Ticker) enqueue(ctx context.Context, jt jobs.JobType, tenant string, payload []byte, now time.Time, every time.Duration) error {
	key := BucketKey(jt, tenant, now, every)
	job, dup, err := t.enq.EnqueueJob(ctx, models.CreateJobParams{
		Type:           string(jt),
		TenantID:       tenant,
		Payload:        payload,
		Priority:       "low",
		IdempotencyKey: key,
		IdempotencyTTL: 2 * every,
		RunAt:          now,
	})
	if err != nil {
		return errors.Wrapf(err, "enqueue %s for %s", jt, tenant)
	}
	if !dup {
		t.log.Debugw("scheduled job enqueued", "job_type", jt, "tenant_id", tenant, "job_id", job.ID)
	}
	return nil
}

// BucketKey names the run of jt for tenant in the interval containing now.
func BucketKey(jt jobs.JobType, tenant string, now time.Time, every time.Duration) string {
	return fmt.Sprintf("sched:%s:%s:%d", jt, tenant, now.UTC().Truncate(every).Unix())
}
