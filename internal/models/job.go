package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job represents a queued unit of work persisted in Postgres.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	TenantID       string          `json:"tenant_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastError      *string         `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobEvent is an append-only record of what happened to a job.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// AuditLog is a tenant audit trail entry written by the AUDIT_LOG job.
type AuditLog struct {
	JobID     string          `json:"job_id"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Priority       string
	TenantID       string
	Payload        json.RawMessage
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}
