package health

import (
	"encoding/json"
	"fmt"
	"time"

	"practice-ops/internal/alerts"
	"practice-ops/internal/config"
	"practice-ops/internal/models"
)

// Rule keys double as alert idempotency keys.
const (
	RuleKanbanBacklog = "kanban_backlog"
	RuleKanbanOrphans = "kanban_orphans"
	RuleKanbanStale   = "kanban_stale"
	RuleQueueBacklog  = "queue_backlog"
	RuleQueueFailures = "queue_failures"
)

// tier returns the severity for value against a P2 baseline and a P0 escalation.
// Either limit is exceeded only when value is strictly greater.
func tier(value, p2, p0 int64) (bool, models.Severity) {
	switch {
	case value > p0:
		return true, models.SeverityP0
	case value > p2:
		return true, models.SeverityP2
	}
	return false, ""
}

// KanbanRules evaluates the board rules. Every rule is always returned so that
// untriggered rules resolve their alerts.
func KanbanRules(m KanbanMetrics, th config.Thresholds) []alerts.Evaluation {
	openHit, openSev := tier(int64(m.OpenTasks), int64(th.OpenTasks), int64(th.OpenTasksP0))
	colHit, colSev := tier(int64(m.MaxColumnCount), int64(th.MaxColumn), int64(th.MaxColumnP0))
	backlog := alerts.Evaluation{
		Key:       RuleKanbanBacklog,
		Type:      RuleKanbanBacklog,
		Triggered: openHit || colHit,
		Severity:  models.MaxSeverity(openSev, colSev),
		Title:     "Kanban backlog is high",
		Message: fmt.Sprintf("%d open tasks (limit %d); largest column %s has %d (limit %d)",
			m.OpenTasks, th.OpenTasks, m.MaxColumn, m.MaxColumnCount, th.MaxColumn),
		Payload: payload(map[string]any{
			"openTasks":            m.OpenTasks,
			"openTasksThreshold":   th.OpenTasks,
			"openTasksP0Threshold": th.OpenTasksP0,
			"maxColumn":            m.MaxColumn,
			"maxColumnCount":       m.MaxColumnCount,
			"maxColumnThreshold":   th.MaxColumn,
			"maxColumnP0Threshold": th.MaxColumnP0,
			"topProjects":          m.TopProjects,
			"topCases":             m.TopCases,
		}),
	}

	orphanHit, orphanSev := tier(int64(m.OrphanTasks), int64(th.OrphanTasks), int64(th.OrphanTasksP0))
	orphans := alerts.Evaluation{
		Key:       RuleKanbanOrphans,
		Type:      RuleKanbanOrphans,
		Triggered: orphanHit,
		Severity:  orphanSev,
		Title:     "Tasks without a case or project",
		Message:   fmt.Sprintf("%d open tasks have no case or project", m.OrphanTasks),
		Payload: payload(map[string]any{
			"orphanTasks": m.OrphanTasks,
			"threshold":   th.OrphanTasks,
			"p0Threshold": th.OrphanTasksP0,
		}),
	}

	age := time.Duration(m.OldestOpenTaskAgeSeconds) * time.Second
	staleHit, staleSev := tier(int64(age), int64(th.StaleTaskAge), int64(th.StaleTaskAgeP0))
	if m.OldestOpenTaskAt == nil {
		staleHit, staleSev = false, ""
	}
	stale := alerts.Evaluation{
		Key:       RuleKanbanStale,
		Type:      RuleKanbanStale,
		Triggered: staleHit,
		Severity:  staleSev,
		Title:     "Stale tasks on the board",
		Message:   fmt.Sprintf("oldest open task is %d days old", int(age.Hours()/24)),
		Payload: payload(map[string]any{
			"oldestOpenTaskAt":         m.OldestOpenTaskAt,
			"oldestOpenTaskAgeSeconds": m.OldestOpenTaskAgeSeconds,
			"thresholdDays":            int(th.StaleTaskAge.Hours() / 24),
			"p0ThresholdDays":          int(th.StaleTaskAgeP0.Hours() / 24),
		}),
	}

	return []alerts.Evaluation{backlog, orphans, stale}
}

// QueueRules evaluates the job queue rules.
func QueueRules(m QueueMetrics, th config.Thresholds) []alerts.Evaluation {
	backlogHit, backlogSev := tier(int64(m.QueuedJobs), int64(th.QueuedJobs), int64(th.QueuedJobsP0))
	failHit, failSev := tier(int64(m.DeadLetters24h), int64(th.DeadLetters24h), int64(th.DeadLetters24hP0))
	return []alerts.Evaluation{
		{
			Key:       RuleQueueBacklog,
			Type:      RuleQueueBacklog,
			Triggered: backlogHit,
			Severity:  backlogSev,
			Title:     "Job queue backlog is high",
			Message:   fmt.Sprintf("%d jobs queued (limit %d); oldest waiting %ds", m.QueuedJobs, th.QueuedJobs, m.OldestQueuedAgeSeconds),
			Payload: payload(map[string]any{
				"queuedJobs":             m.QueuedJobs,
				"threshold":              th.QueuedJobs,
				"p0Threshold":            th.QueuedJobsP0,
				"oldestQueuedAgeSeconds": m.OldestQueuedAgeSeconds,
			}),
		},
		{
			Key:       RuleQueueFailures,
			Type:      RuleQueueFailures,
			Triggered: failHit,
			Severity:  failSev,
			Title:     "Jobs are failing permanently",
			Message:   fmt.Sprintf("%d jobs dead-lettered in the last 24h (limit %d)", m.DeadLetters24h, th.DeadLetters24h),
			Payload: payload(map[string]any{
				"deadLetters24h": m.DeadLetters24h,
				"threshold":      th.DeadLetters24h,
				"p0Threshold":    th.DeadLetters24hP0,
			}),
		},
	}
}

func payload(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
