package models

import (
	"encoding/json"
	"time"
)

// Email delivery ledger states.
const (
	DeliveryPending = "PENDING"
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
)

// EmailDeliveryAttempt records one logical email send keyed by idempotency key.
type EmailDeliveryAttempt struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Provider       string          `json:"provider"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MessageID      *string         `json:"message_id,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Tool invocation states. SUCCESS and ERROR are terminal.
const (
	InvocationPending = "PENDING"
	InvocationSuccess = "SUCCESS"
	InvocationError   = "ERROR"
)

// ToolInvocation is a request to call a tool module's webhook.
type ToolInvocation struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ToolModuleID string          `json:"tool_module_id"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the invocation can no longer change state.
func (i ToolInvocation) Terminal() bool {
	return i.Status == InvocationSuccess || i.Status == InvocationError
}

// ToolModule is a tenant-installed integration that receives webhook calls.
type ToolModule struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Name       string  `json:"name"`
	Active     bool    `json:"active"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// Upload intent states.
const (
	UploadInitiated = "INITIATED"
	UploadFailed    = "FAILED"
	UploadFinalized = "FINALIZED"
	UploadExpired   = "EXPIRED"
	UploadCleaned   = "CLEANED"
)

// UploadIntent tracks a presigned upload that has not been confirmed yet.
type UploadIntent struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	CaseID          string    `json:"case_id"`
	DocumentID      string    `json:"document_id"`
	ExpectedVersion int       `json:"expected_version"`
	Key             string    `json:"key"`
	Status          string    `json:"status"`
	Diagnostic      *string   `json:"diagnostic,omitempty"`
	Rejected        bool      `json:"rejected"`
	DeletedBytes    int64     `json:"deleted_bytes"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot kinds.
const (
	SnapshotKanban = "kanban"
	SnapshotQueue  = "queue"
)

// OpsMetricSnapshot is an immutable point-in-time measurement.
type OpsMetricSnapshot struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Kind       string          `json:"kind"`
	CapturedAt time.Time       `json:"captured_at"`
	Metrics    json.RawMessage `json:"metrics"`
}

// Alert states.
const (
	AlertOpen     = "OPEN"
	AlertSnoozed  = "SNOOZED"
	AlertResolved = "RESOLVED"
)

// OpsAlert is the single deduplicated alert for a (tenant, rule key) pair.
type OpsAlert struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Severity       Severity        `json:"severity"`
	Status         string          `json:"status"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	LastNotifiedAt *time.Time      `json:"last_notified_at,omitempty"`
	SnoozedUntil   *time.Time      `json:"snoozed_until,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	// Version increments on every write; UpdateAlert only applies when it still matches.
	Version int64 `json:"version"`
}

// Snoozed reports whether the alert is snoozed past now.
func (a OpsAlert) Snoozed(now time.Time) bool {
	return a.Status == AlertSnoozed && a.SnoozedUntil != nil && a.SnoozedUntil.After(now)
}

// User is the slice of a tenant user the notifier needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Notification is an in-app notification row.
type Notification struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	ActionURL string          `json:"action_url,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvocationUpdate is applied only while the invocation is still PENDING.
type InvocationUpdate struct {
	Status   string
	Response json.RawMessage
	Error    *string
}

// IntentUpdate is applied only while the intent is still INITIATED or FAILED.
// Rejected intents stay FAILED but are never selected for reclamation again.
type IntentUpdate struct {
	Status       string
	Diagnostic   *string
	Rejected     bool
	DeletedBytes int64
}
