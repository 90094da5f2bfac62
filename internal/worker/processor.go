package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// JobStore is the persistence the processor needs for job rows and their event log.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string, result json.RawMessage) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendJobEvent(ctx context.Context, jobID, event, detail string) error
}

// JobQueue is satisfied by *queue.RedisQueue.
type JobQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, jobID string) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	store    JobStore
	registry *jobs.Registry
	workerID string
	log      *zap.SugaredLogger
}

// NewProcessor creates a processor. workerID is recorded on every job it picks up.
func NewProcessor(cfg config.Config, q JobQueue, st JobStore, registry *jobs.Registry, workerID string, log *zap.SugaredLogger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		registry: registry,
		workerID: workerID,
		log:      log.With("component", "processor", "worker_id", workerID),
	}
}

// Run polls the queue until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Infow("worker started", "visibility", p.cfg.VisibilityTimeout, "backoff_initial", p.cfg.BackoffInitial, "job_types", p.registry.Types())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil {
			p.log.Warnw("poll failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce performs housekeeping and processes at most one job. It reports whether a job was taken.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warnw("promote scheduled failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.log.Warnw("requeue expired failed", "error", err)
	} else if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			if job, err := p.store.GetJob(ctx, id); err == nil {
				_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, now, job.LastError)
				_ = p.store.AppendJobEvent(ctx, id, "lease_expired", "returned to ready queue")
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return true, errors.Wrapf(err, "load leased job %s", jobID)
	}
	if job.Status == models.StatusCancelled || job.Status == models.StatusSucceeded || job.Status == models.StatusDeadLetter {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, job.LastError)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.finish(ctx, job, p.execute(ctx, job))
	return true, nil
}

type execution struct {
	result any
	err    error
}

// execute dispatches the job while a heartbeat keeps its lease alive.
func (p *Processor) execute(ctx context.Context, job models.Job) (out execution) {
	jc := jobs.Context{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
	}
	if job.IdempotencyKey != nil {
		jc.IdempotencyKey = *job.IdempotencyKey
	}

	stop := p.heartbeat(ctx, job.ID)
	defer stop()

	start := time.Now()
	defer func() {
		telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			out = execution{err: errors.Newf("handler panic: %v", r)}
		}
	}()

	result, err := p.registry.Dispatch(ctx, jobs.JobType(job.Type), job.Payload, jc)
	return execution{result: result, err: err}
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warnw("extend lease failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Processor) finish(ctx context.Context, job models.Job, ex execution) {
	log := p.log.With("job_id", job.ID, "job_type", job.Type, "tenant_id", job.TenantID)

	if ex.err == nil {
		var result json.RawMessage
		if ex.result != nil {
			b, err := json.Marshal(ex.result)
			if err != nil {
				log.Warnw("result not serializable", "error", err)
			} else {
				result = b
			}
		}
		_ = p.queue.Ack(ctx, job.ID)
		if err := p.store.MarkSuccess(ctx, job.ID, result); err != nil {
			log.Errorw("mark success failed", "error", err)
		}
		_ = p.store.AppendJobEvent(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.JobOutcomes.WithLabelValues(job.Type, "succeeded").Inc()
		log.Debugw("job succeeded")
		return
	}

	attempts := job.Attempts + 1
	msg := ex.err.Error()
	if jobs.IsPermanent(ex.err) || attempts >= job.MaxAttempts {
		if err := p.store.MarkDeadLetter(ctx, job.ID, attempts, msg); err != nil {
			log.Errorw("mark dead letter failed", "error", err)
		}
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendJobEvent(ctx, job.ID, "dead_letter", msg)
		telemetry.JobOutcomes.WithLabelValues(job.Type, "dead_letter").Inc()
		log.Warnw("job dead-lettered", "attempts", attempts, "permanent", jobs.IsPermanent(ex.err), "error", ex.err)
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, msg); err != nil {
		log.Errorw("record attempt failed", "error", err)
	}
	_ = p.queue.Ack(ctx, job.ID)
	if err := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		log.Errorw("reschedule failed", "error", err)
	}
	_ = p.store.AppendJobEvent(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.JobOutcomes.WithLabelValues(job.Type, "retry").Inc()
	log.Infow("job retry scheduled", "attempts", attempts, "next_run", nextRun, "error", ex.err)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
