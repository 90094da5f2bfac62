package delivery

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/email"
	"practice-ops/internal/jobs"
	"practice-ops/internal/telemetry"
)

// Result is returned to the dispatcher for SEND_EMAIL jobs.
type Result struct {
	Status     string `json:"status"`
	DeliveryID string `json:"deliveryId"`
	MessageID  string `json:"messageId"`
}

// Handler executes SEND_EMAIL jobs through the ledger.
type Handler struct {
	ledger   *Ledger
	provider email.Provider
	log      *zap.SugaredLogger
}

func NewHandler(ledger *Ledger, provider email.Provider, log *zap.SugaredLogger) *Handler {
	return &Handler{ledger: ledger, provider: provider, log: log.With("handler", jobs.TypeSendEmail)}
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	payload, ok := p.(jobs.SendEmail)
	if !ok {
		return nil, jobs.Invalid(jobs.TypeSendEmail, "unexpected payload %T", p)
	}
	if !jc.HasIdempotencyKey() {
		return nil, jobs.Invalid(jobs.TypeSendEmail, "%v", ErrMissingIdempotencyKey)
	}

	attempt, err := h.ledger.BeginAttempt(ctx, jc.TenantID, jc.IdempotencyKey, payload, h.provider.Name())
	if err != nil {
		return nil, err
	}
	if attempt.Outcome == AlreadySent {
		telemetry.EmailDeliveries.WithLabelValues("already_sent").Inc()
		messageID := ""
		if attempt.Delivery.MessageID != nil {
			messageID = *attempt.Delivery.MessageID
		}
		h.log.Infow("email already sent, skipping provider", "tenant_id", jc.TenantID, "delivery_id", attempt.Delivery.ID, "message_id", messageID)
		return Result{Status: AlreadySent.String(), DeliveryID: attempt.Delivery.ID, MessageID: messageID}, nil
	}

	res, sendErr := h.provider.Send(ctx, email.Message{
		To:             payload.To,
		Subject:        payload.Subject,
		Body:           payload.Content,
		ActionURL:      payload.ActionURL,
		IdempotencyKey: jc.IdempotencyKey,
	})
	if sendErr != nil {
		telemetry.EmailDeliveries.WithLabelValues("failed").Inc()
		if err := h.ledger.MarkFailed(ctx, jc.TenantID, attempt.Delivery.ID, sendErr); err != nil {
			h.log.Errorw("record failed delivery", "delivery_id", attempt.Delivery.ID, "error", err)
		}
		return nil, errors.Wrap(sendErr, "email provider")
	}

	if err := h.ledger.MarkSent(ctx, jc.TenantID, attempt.Delivery.ID, res.MessageID); err != nil {
		// The provider accepted the message; retrying would re-send it. The PENDING row
		// blocks other attempts until its lease expires.
		h.log.Errorw("record sent delivery", "delivery_id", attempt.Delivery.ID, "message_id", res.MessageID, "error", err)
	}
	telemetry.EmailDeliveries.WithLabelValues("sent").Inc()
	return Result{Status: "SENT", DeliveryID: attempt.Delivery.ID, MessageID: res.MessageID}, nil
}
