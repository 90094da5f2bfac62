// Package jobs defines the dispatch contract between the scheduler and job handlers:
// job types, the per-invocation JobContext, typed payloads and the handler registry.
package jobs

import "strings"

// JobType identifies a handler in the registry.
type JobType string

const (
	TypeSendEmail            JobType = "SEND_EMAIL"
	TypeAuditLog             JobType = "AUDIT_LOG"
	TypeTriggerToolWebhook   JobType = "TRIGGER_TOOL_WEBHOOK"
	TypeCleanupUploadIntents JobType = "CLEANUP_UPLOAD_INTENTS"
	TypeQueueHealthCheck     JobType = "QUEUE_HEALTH_CHECK"
	TypeKanbanHealthCheck    JobType = "KANBAN_HEALTH_CHECK"
)

// Context is the metadata the scheduler supplies with every invocation.
//
// Attempts counts attempts already consumed before this one, so the first run sees 0.
type Context struct {
	JobID          string
	TenantID       string
	IdempotencyKey string
	Attempts       int
	MaxAttempts    int
}

// RetriesLeft reports whether returning an error will cause another attempt.
func (c Context) RetriesLeft() bool {
	return c.Attempts+1 < c.MaxAttempts
}

// HasIdempotencyKey reports whether a non-blank key was supplied.
func (c Context) HasIdempotencyKey() bool {
	return strings.TrimSpace(c.IdempotencyKey) != ""
}
