package models

import "time"

// Task board columns. DONE and CANCELLED are terminal.
const (
	TaskTodo       = "TODO"
	TaskInProgress = "IN_PROGRESS"
	TaskReview     = "REVIEW"
	TaskBlocked    = "BLOCKED"
	TaskDone       = "DONE"
	TaskCancelled  = "CANCELLED"
)

// TerminalTaskStatuses are excluded from backlog and staleness metrics.
var TerminalTaskStatuses = []string{TaskDone, TaskCancelled}

// Task is a kanban work item. A task with neither a case nor a project is an orphan.
type Task struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CaseID    *string   `json:"case_id,omitempty"`
	ProjectID *string   `json:"project_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is a case document; FileURL points at its current storage object.
type Document struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	CaseID         string  `json:"case_id"`
	CurrentVersion int     `json:"current_version"`
	FileURL        *string `json:"file_url,omitempty"`
}

// DocumentVersion is an immutable version of a document's content.
type DocumentVersion struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	Version    int    `json:"version"`
	FileURL    string `json:"file_url"`
}
