// Package webhook executes TRIGGER_TOOL_WEBHOOK jobs: it calls a tool module's
// webhook with the invocation payload and records the outcome on the invocation.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBodyBytes = 64 << 10

	timeoutMessage = "Webhook call timed out"
)

// Store is the persistence the handler needs. UpdatePendingInvocation must only
// apply while the row is still PENDING and reports whether it did.
type Store interface {
	GetInvocation(ctx context.Context, tenantID, id string) (models.ToolInvocation, error)
	GetToolModule(ctx context.Context, tenantID, id string) (models.ToolModule, error)
	UpdatePendingInvocation(ctx context.Context, tenantID, id string, u models.InvocationUpdate) (bool, error)
}

// SafetyChecker validates a webhook target before any network call.
type SafetyChecker interface {
	EnsureSafe(ctx context.Context, raw string) (*url.URL, error)
}

// Result is returned to the dispatcher.
type Result struct {
	Status     string `json:"status"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options tune the handler; zero values take defaults.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

type Handler struct {
	store   Store
	checker SafetyChecker
	client  *http.Client
	timeout time.Duration
	maxBody int64
	log     *zap.SugaredLogger
}

func NewHandler(store Store, checker SafetyChecker, client *http.Client, opts Options, log *zap.SugaredLogger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		store:   store,
		checker: checker,
		client:  client,
		timeout: opts.Timeout,
		maxBody: opts.MaxBodyBytes,
		log:     log.With("handler", jobs.TypeTriggerToolWebhook),
	}
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	payload, ok := p.(jobs.TriggerToolWebhook)
	if !ok {
		return nil, jobs.Invalid(jobs.TypeTriggerToolWebhook, "unexpected payload %T", p)
	}
	log := h.log.With("tenant_id", jc.TenantID, "invocation_id", payload.InvocationID, "attempt", jc.Attempts)

	inv, err := h.store.GetInvocation(ctx, jc.TenantID, payload.InvocationID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warnw("invocation not found")
		telemetry.WebhookResponses.WithLabelValues("precondition").Inc()
		return Result{Status: "error", Error: "invocation not found"}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load invocation")
	}
	if inv.Terminal() {
		telemetry.WebhookResponses.WithLabelValues("skipped").Inc()
		return Result{Status: "skipped"}, nil
	}

	module, err := h.store.GetToolModule(ctx, jc.TenantID, inv.ToolModuleID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return h.fail(ctx, log, inv, "precondition", "Tool module not found")
	case err != nil:
		return nil, errors.Wrap(err, "load tool module")
	case !module.Active:
		return h.fail(ctx, log, inv, "precondition", "Tool module is inactive")
	case module.WebhookURL == nil || strings.TrimSpace(*module.WebhookURL) == "":
		return h.fail(ctx, log, inv, "precondition", "Tool module has no webhook URL")
	}

	target, err := h.checker.EnsureSafe(ctx, *module.WebhookURL)
	if err != nil {
		return h.fail(ctx, log, inv, "unsafe_url", "Webhook URL rejected: "+err.Error())
	}

	status, body, callErr := h.call(ctx, target, inv)
	switch {
	case callErr != nil:
		return h.transient(ctx, log, inv, jc, "network", callErr.Error())
	case status >= 200 && status < 300:
		return h.succeed(ctx, log, inv, status, body)
	case status >= 500:
		return h.transient(ctx, log, inv, jc, "5xx", fmt.Sprintf("Webhook returned HTTP %d", status))
	default:
		return h.fail(ctx, log, inv, "4xx", fmt.Sprintf("Webhook returned HTTP %d", status))
	}
}

func (h *Handler) call(ctx context.Context, target *url.URL, inv models.ToolInvocation) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	body := inv.Payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Invocation-ID", inv.ID)
	req.Header.Set("X-Tenant-ID", inv.TenantID)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, errors.New(timeoutMessage)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, nil, errors.New(timeoutMessage)
	}
	return resp.StatusCode, data, nil
}

func (h *Handler) succeed(ctx context.Context, log *zap.SugaredLogger, inv models.ToolInvocation, status int, body []byte) (any, error) {
	if _, err := h.store.UpdatePendingInvocation(ctx, inv.TenantID, inv.ID, models.InvocationUpdate{
		Status:   models.InvocationSuccess,
		Response: responseDocument(status, body),
	}); err != nil {
		return nil, errors.Wrap(err, "record webhook success")
	}
	telemetry.WebhookResponses.WithLabelValues("2xx").Inc()
	log.Infow("webhook succeeded", "http_status", status)
	return Result{Status: "success", HTTPStatus: status}, nil
}

// transient keeps the invocation PENDING and asks for a retry while attempts remain,
// otherwise records it as ERROR.
func (h *Handler) transient(ctx context.Context, log *zap.SugaredLogger, inv models.ToolInvocation, jc jobs.Context, class, msg string) (any, error) {
	if !jc.RetriesLeft() {
		return h.fail(ctx, log, inv, class, msg)
	}
	if _, err := h.store.UpdatePendingInvocation(ctx, inv.TenantID, inv.ID, models.InvocationUpdate{
		Status: models.InvocationPending,
		Error:  &msg,
	}); err != nil {
		return nil, errors.Wrap(err, "record webhook retry")
	}
	telemetry.WebhookResponses.WithLabelValues(class).Inc()
	log.Warnw("webhook failed, will retry", "error", msg)
	return nil, errors.Newf("webhook invocation %s: %s", inv.ID, msg)
}

func (h *Handler) fail(ctx context.Context, log *zap.SugaredLogger, inv models.ToolInvocation, class, msg string) (any, error) {
	if _, err := h.store.UpdatePendingInvocation(ctx, inv.TenantID, inv.ID, models.InvocationUpdate{
		Status: models.InvocationError,
		Error:  &msg,
	}); err != nil {
		return nil, errors.Wrap(err, "record webhook error")
	}
	telemetry.WebhookResponses.WithLabelValues(class).Inc()
	log.Warnw("webhook invocation failed", "class", class, "error", msg)
	return Result{Status: "error", Error: msg}, nil
}

// responseDocument stores JSON bodies as-is and wraps anything else.
func responseDocument(status int, body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	doc, _ := json.Marshal(map[string]any{"httpStatus": status, "body": string(body)})
	return doc
}
