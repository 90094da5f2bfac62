// Package notify delivers notifications to tenant users in-app and, when email is
// configured, by queueing SEND_EMAIL jobs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
)

// TypeOpsAlert is the notification type used for health alerts.
const TypeOpsAlert = "OPS_ALERT"

type Store interface {
	ListTenantAdmins(ctx context.Context, tenantID string) ([]models.User, error)
	InsertNotifications(ctx context.Context, rows []models.Notification) error
}

// EmailQueue enqueues a job; it reports whether the idempotency key already existed.
type EmailQueue interface {
	EnqueueJob(ctx context.Context, p models.CreateJobParams) (models.Job, bool, error)
}

// Notice is one notification addressed to several users.
type Notice struct {
	TenantID   string
	Recipients []models.User
	Type       string
	Title      string
	Content    string
	ActionURL  string
	Metadata   json.RawMessage
	// DedupeKey prefixes each email job's idempotency key; the user id is appended.
	DedupeKey string
}

// Dispatcher writes in-app rows and optionally queues emails.
type Dispatcher struct {
	store Store
	email EmailQueue
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewDispatcher builds a dispatcher. A nil email queue means in-app only.
func NewDispatcher(store Store, email EmailQueue, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{store: store, email: email, log: log.With("component", "notify"), now: time.Now}
}

func (d *Dispatcher) Notify(ctx context.Context, n Notice) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	now := d.now().UTC()
	rows := make([]models.Notification, 0, len(n.Recipients))
	for _, u := range n.Recipients {
		rows = append(rows, models.Notification{
			ID:        uuid.NewString(),
			TenantID:  n.TenantID,
			UserID:    u.ID,
			Type:      n.Type,
			Title:     n.Title,
			Content:   n.Content,
			ActionURL: n.ActionURL,
			Metadata:  n.Metadata,
			CreatedAt: now,
		})
	}
	if err := d.store.InsertNotifications(ctx, rows); err != nil {
		return errors.Wrap(err, "insert notifications")
	}
	if d.email == nil {
		return nil
	}

	var errs error
	for _, u := range n.Recipients {
		if strings.TrimSpace(u.Email) == "" {
			continue
		}
		payload, err := json.Marshal(jobs.SendEmail{To: u.Email, Subject: n.Title, Content: n.Content, ActionURL: n.ActionURL})
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		key := n.DedupeKey + ":" + u.ID
		if n.DedupeKey == "" {
			key = fmt.Sprintf("notify:%s:%s", uuid.NewString(), u.ID)
		}
		_, dup, err := d.email.EnqueueJob(ctx, models.CreateJobParams{
			Type:           string(jobs.TypeSendEmail),
			TenantID:       n.TenantID,
			Payload:        payload,
			IdempotencyKey: key,
			RunAt:          now,
		})
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "queue email for user %s", u.ID))
			continue
		}
		if dup {
			d.log.Debugw("email already queued", "tenant_id", n.TenantID, "user_id", u.ID, "idempotency_key", key)
		}
	}
	return errs
}

// AlertNotifier adapts the dispatcher to the alert engine.
type AlertNotifier struct {
	store      Store
	dispatcher *Dispatcher
	baseURL    string
}

// NewAlertNotifier sends alerts to every tenant admin. baseURL prefixes the alert link.
func NewAlertNotifier(store Store, dispatcher *Dispatcher, baseURL string) *AlertNotifier {
	return &AlertNotifier{store: store, dispatcher: dispatcher, baseURL: strings.TrimRight(baseURL, "/")}
}

func (n *AlertNotifier) NotifyAlert(ctx context.Context, a models.OpsAlert) error {
	admins, err := n.store.ListTenantAdmins(ctx, a.TenantID)
	if err != nil {
		return errors.Wrap(err, "list tenant admins")
	}
	if len(admins) == 0 {
		n.dispatcher.log.Warnw("alert has no recipients", "tenant_id", a.TenantID, "alert_id", a.ID)
		return nil
	}
	meta, _ := json.Marshal(map[string]any{
		"alertId":  a.ID,
		"key":      a.IdempotencyKey,
		"severity": a.Severity,
		"status":   a.Status,
	})
	return n.dispatcher.Notify(ctx, Notice{
		TenantID:   a.TenantID,
		Recipients: admins,
		Type:       TypeOpsAlert,
		Title:      fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Content:    a.Message,
		ActionURL:  n.baseURL + "/admin/ops/alerts/" + a.ID,
		Metadata:   meta,
		DedupeKey:  fmt.Sprintf("alert:%s:%d", a.ID, a.LastSeenAt.Unix()),
	})
}
