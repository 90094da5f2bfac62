// Package scheduler creates job rows and hands their ids to the Redis queue, and
// periodically enqueues the per-tenant health checks and upload reclamation.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// JobStore is the slice of persistence the enqueuer writes to.
type JobStore interface {
	CreateJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error)
	UpdateJobStatus(ctx context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error
	AppendJobEvent(ctx context.Context, jobID, event, detail string) error
}

// Queue is satisfied by *queue.RedisQueue.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
}

// Enqueuer validates a payload, persists the job and pushes its id onto the queue.
type Enqueuer struct {
	store       JobStore
	queue       Queue
	maxAttempts int
	idemTTL     time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewEnqueuer(store JobStore, q Queue, cfg config.Config, log *zap.SugaredLogger) *Enqueuer {
	return &Enqueuer{
		store:       store,
		queue:       q,
		maxAttempts: cfg.MaxAttempts,
		idemTTL:     cfg.IdempotencyTTL,
		log:         log.With("component", "enqueuer"),
		now:         time.Now,
	}
}

// EnqueueJob returns the existing job and true when the idempotency key was already used.
// Payloads that fail validation are rejected before anything is written.
func (e *Enqueuer) EnqueueJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error) {
	if _, err := jobs.ParsePayload(jobs.JobType(p.Type), p.Payload); err != nil {
		return models.Job{}, false, err
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = e.maxAttempts
	}
	if p.IdempotencyTTL <= 0 {
		p.IdempotencyTTL = e.idemTTL
	}
	if p.RunAt.IsZero() {
		p.RunAt = e.now()
	}

	job, dup, err := e.store.CreateJob(ctx, p)
	if err != nil {
		return models.Job{}, false, errors.Wrapf(err, "create %s job", p.Type)
	}
	if dup {
		return job, true, nil
	}

	if err := e.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		msg := err.Error()
		if uerr := e.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed, job.Attempts, job.NextRunAt, &msg); uerr != nil {
			e.log.Warnw("mark unqueued job failed", "job_id", job.ID, "error", uerr)
		}
		return models.Job{}, false, errors.Wrapf(err, "queue job %s", job.ID)
	}
	_ = e.store.AppendJobEvent(ctx, job.ID, "enqueued", fmt.Sprintf("tenant=%s priority=%s", job.TenantID, job.Priority))
	telemetry.EnqueueCounter.Inc()
	return job, false, nil
}
