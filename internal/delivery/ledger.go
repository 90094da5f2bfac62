// Package delivery makes email sends idempotent under at-least-once job delivery.
//
// Every send is recorded in a ledger row keyed by (tenant, idempotency key) before the
// provider is called. The ledger, not the provider, decides whether a message was sent.
package delivery

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"practice-ops/internal/models"
)

// Outcome of BeginAttempt.
type Outcome int

const (
	// New means the caller owns the attempt and must call the provider.
	New Outcome = iota
	// AlreadySent means a previous attempt succeeded; skip the provider.
	AlreadySent
)

func (o Outcome) String() string {
	if o == AlreadySent {
		return "ALREADY_SENT"
	}
	return "NEW"
}

var (
	// ErrMissingIdempotencyKey is a precondition failure; email jobs must always carry a key.
	ErrMissingIdempotencyKey = errors.New("email delivery requires an idempotency key")
	// ErrInFlight means another worker holds a fresh PENDING attempt for the key.
	ErrInFlight = errors.New("email delivery already in flight")
)

// Store persists ledger rows. Implementations enforce uniqueness of
// (tenant_id, idempotency_key) so concurrent inserts cannot both succeed.
type Store interface {
	InsertPendingDelivery(ctx context.Context, d models.EmailDeliveryAttempt) (bool, error)
	GetDeliveryByKey(ctx context.Context, tenantID, key string) (models.EmailDeliveryAttempt, error)
	// ClaimDelivery moves a FAILED row, or a PENDING row last touched before staleBefore,
	// back to PENDING. It reports false when another writer got there first.
	ClaimDelivery(ctx context.Context, tenantID, id, provider string, staleBefore time.Time) (bool, error)
	MarkDeliverySent(ctx context.Context, tenantID, id, messageID string) error
	MarkDeliveryFailed(ctx context.Context, tenantID, id, errMsg string) error
}

// Attempt is the result of BeginAttempt.
type Attempt struct {
	Outcome  Outcome
	Delivery models.EmailDeliveryAttempt
}

// Ledger wraps Store with the begin/mark protocol.
type Ledger struct {
	store        Store
	pendingLease time.Duration
	now          func() time.Time
}

// NewLedger builds a ledger. PENDING rows older than pendingLease are treated as
// abandoned by a crashed worker and may be claimed again.
func NewLedger(store Store, pendingLease time.Duration) *Ledger {
	if pendingLease <= 0 {
		pendingLease = 10 * time.Minute
	}
	return &Ledger{store: store, pendingLease: pendingLease, now: time.Now}
}

// BeginAttempt records intent to send before the provider is called.
func (l *Ledger) BeginAttempt(ctx context.Context, tenantID, key string, payload any, provider string) (Attempt, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Attempt{}, ErrMissingIdempotencyKey
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "marshal delivery payload")
	}

	now := l.now().UTC()
	row := models.EmailDeliveryAttempt{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		Status:         models.DeliveryPending,
		Provider:       provider,
		Payload:        raw,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := l.store.InsertPendingDelivery(ctx, row)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "insert delivery")
	}
	if inserted {
		return Attempt{Outcome: New, Delivery: row}, nil
	}

	existing, err := l.store.GetDeliveryByKey(ctx, tenantID, key)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "load delivery")
	}
	switch existing.Status {
	case models.DeliverySent:
		return Attempt{Outcome: AlreadySent, Delivery: existing}, nil
	case models.DeliveryFailed, models.DeliveryPending:
		claimed, err := l.store.ClaimDelivery(ctx, tenantID, existing.ID, provider, now.Add(-l.pendingLease))
		if err != nil {
			return Attempt{}, errors.Wrap(err, "claim delivery")
		}
		if !claimed {
			return Attempt{}, errors.Wrapf(ErrInFlight, "key %q", key)
		}
		existing.Status = models.DeliveryPending
		existing.Provider = provider
		existing.Error = nil
		existing.UpdatedAt = now
		return Attempt{Outcome: New, Delivery: existing}, nil
	}
	return Attempt{}, errors.Newf("delivery %s has unknown status %q", existing.ID, existing.Status)
}

// MarkSent records the provider's message id.
func (l *Ledger) MarkSent(ctx context.Context, tenantID, deliveryID, messageID string) error {
	return errors.Wrap(l.store.MarkDeliverySent(ctx, tenantID, deliveryID, messageID), "mark delivery sent")
}

// MarkFailed records the provider error so a retry can claim the row.
func (l *Ledger) MarkFailed(ctx context.Context, tenantID, deliveryID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return errors.Wrap(l.store.MarkDeliveryFailed(ctx, tenantID, deliveryID, msg), "mark delivery failed")
}
