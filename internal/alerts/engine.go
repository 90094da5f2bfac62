// Package alerts keeps one deduplicated alert per (tenant, rule key) in step with
// the latest health evaluation and decides when administrators are told about it.
package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// DefaultNotifyInterval is the minimum gap between notifications for an alert that stays open.
const DefaultNotifyInterval = 180 * time.Minute

// maxWriteAttempts bounds the read-modify-write retries when the row keeps changing.
const maxWriteAttempts = 5

// ErrConflict is returned when an alert kept changing under every write attempt.
var ErrConflict = errors.New("alert changed concurrently")

// Evaluation is one rule's verdict against a snapshot.
type Evaluation struct {
	Key       string
	Type      string
	Triggered bool
	Severity  models.Severity
	Title     string
	Message   string
	Payload   json.RawMessage
}

// Store persists alerts. UpdateAlert matches on id, tenant and Version, bumps the
// version and must leave LastNotifiedAt untouched; UpsertAlert is keyed on
// (tenant, idempotency key).
type Store interface {
	GetAlertByKey(ctx context.Context, tenantID, key string) (models.OpsAlert, error)
	GetAlert(ctx context.Context, tenantID, id string) (models.OpsAlert, error)
	UpdateAlert(ctx context.Context, a models.OpsAlert) (bool, error)
	UpsertAlert(ctx context.Context, a models.OpsAlert) (models.OpsAlert, error)
	MarkAlertNotified(ctx context.Context, tenantID, id string, at time.Time) error
}

// Notifier delivers an alert to the tenant's administrators.
type Notifier interface {
	NotifyAlert(ctx context.Context, a models.OpsAlert) error
}

// Transition names what Apply did to an alert.
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionCreated  Transition = "created"
	TransitionReopened Transition = "reopened"
	TransitionUpdated  Transition = "updated"
	TransitionSnoozed  Transition = "snoozed"
	TransitionResolved Transition = "resolved"
)

// Change reports the effect of one evaluation.
type Change struct {
	Key        string          `json:"key"`
	Transition Transition      `json:"transition"`
	Severity   models.Severity `json:"severity,omitempty"`
	AlertID    string          `json:"alertId,omitempty"`
	Notified   bool            `json:"notified"`
}

type Engine struct {
	store    Store
	notifier Notifier
	interval time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewEngine builds an engine. A nil notifier disables notifications.
func NewEngine(store Store, notifier Notifier, interval time.Duration, log *zap.SugaredLogger) *Engine {
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	return &Engine{store: store, notifier: notifier, interval: interval, log: log.With("component", "alerts"), now: time.Now}
}

// Apply runs every evaluation through the state machine. A failure on one rule does
// not stop the others; the errors are combined.
func (e *Engine) Apply(ctx context.Context, tenantID string, evals []Evaluation) ([]Change, error) {
	changes := make([]Change, 0, len(evals))
	var errs error
	for _, ev := range evals {
		ch, err := e.applyOne(ctx, tenantID, ev)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "alert %s", ev.Key))
			continue
		}
		changes = append(changes, ch)
	}
	return changes, errs
}

func (e *Engine) applyOne(ctx context.Context, tenantID string, ev Evaluation) (Change, error) {
	now := e.now().UTC()
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		change, written, err := e.tryApply(ctx, tenantID, ev, now)
		if err != nil || written {
			return change, err
		}
	}
	return Change{Key: ev.Key, Transition: TransitionNone}, errors.Wrapf(ErrConflict, "after %d attempts", maxWriteAttempts)
}

// tryApply reads the current row, computes the next state and writes it. written is
// false when the row changed in between and the caller should start over.
func (e *Engine) tryApply(ctx context.Context, tenantID string, ev Evaluation, now time.Time) (Change, bool, error) {
	change := Change{Key: ev.Key, Transition: TransitionNone}

	existing, err := e.store.GetAlertByKey(ctx, tenantID, ev.Key)
	found := err == nil
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return change, false, errors.Wrap(err, "load alert")
	}

	if !ev.Triggered {
		if !found || existing.Status == models.AlertResolved {
			return change, true, nil
		}
		a := existing
		a.Status = models.AlertResolved
		a.ResolvedAt = &now
		a.SnoozedUntil = nil
		saved, written, err := e.write(ctx, a, found)
		if err != nil || !written {
			return change, written, err
		}
		e.count(ev.Key, TransitionResolved)
		return Change{Key: ev.Key, Transition: TransitionResolved, Severity: saved.Severity, AlertID: saved.ID}, true, nil
	}

	var a models.OpsAlert
	var transition Transition
	switch {
	case !found:
		a = models.OpsAlert{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			IdempotencyKey: ev.Key,
			Type:           ev.Type,
			Severity:       ev.Severity,
			Status:         models.AlertOpen,
			FirstSeenAt:    now,
		}
		transition = TransitionCreated
	case existing.Snoozed(now):
		a = existing
		transition = TransitionSnoozed
	case existing.Status == models.AlertResolved || existing.Status == models.AlertSnoozed:
		a = existing
		a.Status = models.AlertOpen
		a.Severity = ev.Severity
		a.FirstSeenAt = now
		a.AcknowledgedAt = nil
		a.ResolvedAt = nil
		a.SnoozedUntil = nil
		transition = TransitionReopened
	default:
		a = existing
		a.Status = models.AlertOpen
		a.Severity = models.MaxSeverity(existing.Severity, ev.Severity)
		transition = TransitionUpdated
	}
	a.LastSeenAt = now
	a.Title = ev.Title
	a.Message = ev.Message
	a.Payload = ev.Payload
	if a.Type == "" {
		a.Type = ev.Type
	}

	saved, written, err := e.write(ctx, a, found)
	if err != nil || !written {
		return change, written, err
	}
	e.count(ev.Key, transition)
	change = Change{Key: ev.Key, Transition: transition, Severity: saved.Severity, AlertID: saved.ID}

	justOpened := transition == TransitionCreated || transition == TransitionReopened
	if !e.shouldNotify(saved, justOpened, now) {
		telemetry.AlertNotifications.WithLabelValues("throttled").Inc()
		return change, true, nil
	}
	change.Notified = e.notify(ctx, saved, now)
	return change, true, nil
}

// write stores a. A row that was read (found) is updated only if its version is
// unchanged; if the row has since been deleted, a is upserted on (tenant, key)
// instead. written is false when the row exists but moved on.
func (e *Engine) write(ctx context.Context, a models.OpsAlert, found bool) (models.OpsAlert, bool, error) {
	if found {
		ok, err := e.store.UpdateAlert(ctx, a)
		if err != nil {
			return a, false, errors.Wrap(err, "update alert")
		}
		if ok {
			current, err := e.store.GetAlert(ctx, a.TenantID, a.ID)
			if err != nil {
				return a, true, nil
			}
			return current, true, nil
		}
		_, err = e.store.GetAlert(ctx, a.TenantID, a.ID)
		if err == nil {
			return a, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return a, false, errors.Wrap(err, "reload alert")
		}
	}
	saved, err := e.store.UpsertAlert(ctx, a)
	if err != nil {
		return a, false, errors.Wrap(err, "upsert alert")
	}
	return saved, true, nil
}

func (e *Engine) shouldNotify(a models.OpsAlert, justOpened bool, now time.Time) bool {
	if e.notifier == nil || a.Status != models.AlertOpen || a.Snoozed(now) {
		return false
	}
	if justOpened || a.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*a.LastNotifiedAt) > e.interval
}

// notify never fails the caller; the alert row is already persisted.
func (e *Engine) notify(ctx context.Context, a models.OpsAlert, now time.Time) bool {
	log := e.log.With("tenant_id", a.TenantID, "alert_id", a.ID, "key", a.IdempotencyKey)
	if err := e.notifier.NotifyAlert(ctx, a); err != nil {
		telemetry.AlertNotifications.WithLabelValues("failed").Inc()
		log.Warnw("alert notification failed", "error", err)
		return false
	}
	if err := e.store.MarkAlertNotified(ctx, a.TenantID, a.ID, now); err != nil {
		log.Errorw("record alert notification", "error", err)
	}
	telemetry.AlertNotifications.WithLabelValues("sent").Inc()
	log.Infow("alert notified", "severity", a.Severity)
	return true
}

func (e *Engine) count(key string, t Transition) {
	telemetry.AlertTransitions.WithLabelValues(key, string(t)).Inc()
}
