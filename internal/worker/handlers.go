package worker

import (
	"practice-ops/internal/delivery"
	"practice-ops/internal/health"
	"practice-ops/internal/jobs"
	"practice-ops/internal/reclaim"
	"practice-ops/internal/webhook"
)

// Handlers groups the job handlers a worker can run. Nil entries are not registered.
type Handlers struct {
	Email   *delivery.Handler
	Audit   *AuditHandler
	Webhook *webhook.Handler
	Reclaim *reclaim.Handler
	Health  *health.Handler
}

// Registry builds a registry holding every configured handler.
func (h Handlers) Registry() *jobs.Registry {
	reg := jobs.NewRegistry()
	if h.Email != nil {
		reg.Register(jobs.TypeSendEmail, h.Email.Handle)
	}
	if h.Audit != nil {
		reg.Register(jobs.TypeAuditLog, h.Audit.Handle)
	}
	if h.Webhook != nil {
		reg.Register(jobs.TypeTriggerToolWebhook, h.Webhook.Handle)
	}
	if h.Reclaim != nil {
		reg.Register(jobs.TypeCleanupUploadIntents, h.Reclaim.Handle)
	}
	if h.Health != nil {
		reg.Register(jobs.TypeKanbanHealthCheck, h.Health.HandleKanban)
		reg.Register(jobs.TypeQueueHealthCheck, h.Health.HandleQueue)
	}
	return reg
}
