package alerts

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"practice-ops/internal/models"
)

// ErrInvalidTransition is returned when an operator action does not apply to the
// alert's current status.
var ErrInvalidTransition = errors.New("invalid alert transition")

// Acknowledge records that an operator has seen the alert.
func (e *Engine) Acknowledge(ctx context.Context, tenantID, id string) (models.OpsAlert, error) {
	return e.mutate(ctx, tenantID, id, func(a *models.OpsAlert, now time.Time) error {
		if a.Status == models.AlertResolved {
			return errors.Wrap(ErrInvalidTransition, "alert is resolved")
		}
		a.AcknowledgedAt = &now
		return nil
	})
}

// Snooze suppresses notifications until the given time. A triggering evaluation
// after that reopens the alert.
func (e *Engine) Snooze(ctx context.Context, tenantID, id string, until time.Time) (models.OpsAlert, error) {
	return e.mutate(ctx, tenantID, id, func(a *models.OpsAlert, now time.Time) error {
		if a.Status == models.AlertResolved {
			return errors.Wrap(ErrInvalidTransition, "alert is resolved")
		}
		if !until.After(now) {
			return errors.Wrap(ErrInvalidTransition, "snooze must end in the future")
		}
		until := until.UTC()
		a.Status = models.AlertSnoozed
		a.SnoozedUntil = &until
		return nil
	})
}

// Resolve closes the alert. The next triggering evaluation reopens it.
func (e *Engine) Resolve(ctx context.Context, tenantID, id string) (models.OpsAlert, error) {
	return e.mutate(ctx, tenantID, id, func(a *models.OpsAlert, now time.Time) error {
		if a.Status == models.AlertResolved {
			return nil
		}
		a.Status = models.AlertResolved
		a.ResolvedAt = &now
		a.SnoozedUntil = nil
		return nil
	})
}

// mutate applies fn to a fresh read of the alert and writes it back only if nobody
// else wrote in between, retrying against the newer row otherwise.
func (e *Engine) mutate(ctx context.Context, tenantID, id string, fn func(*models.OpsAlert, time.Time) error) (models.OpsAlert, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		a, err := e.store.GetAlert(ctx, tenantID, id)
		if err != nil {
			return models.OpsAlert{}, err
		}
		now := e.now().UTC()
		before := a.Status
		if err := fn(&a, now); err != nil {
			return models.OpsAlert{}, err
		}
		ok, err := e.store.UpdateAlert(ctx, a)
		if err != nil {
			return models.OpsAlert{}, errors.Wrap(err, "update alert")
		}
		if !ok {
			continue
		}
		a.Version++
		if a.Status != before {
			e.count(a.IdempotencyKey, Transition("operator_"+strings.ToLower(a.Status)))
		}
		return a, nil
	}
	return models.OpsAlert{}, errors.Wrapf(ErrConflict, "alert %s", id)
}
