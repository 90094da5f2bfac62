// Package email holds the outbound email provider adapters.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one outbound email.
type Message struct {
	To             string
	Subject        string
	Body           string
	ActionURL      string
	IdempotencyKey string
}

// SendResult carries the provider's id for the accepted message.
type SendResult struct {
	MessageID string
}

// Provider sends email. A returned error means the message was not accepted.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// HTTPProvider posts messages as JSON to a transactional email API.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// NewHTTPProvider builds a provider for endpoint. A nil client gets a 10s timeout default.
func NewHTTPProvider(endpoint, apiKey, from string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, from: from, client: client}
}

func (p *HTTPProvider) Name() string { return "http" }

type sendRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	ActionURL string `json:"action_url,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send forwards the idempotency key so the provider can deduplicate on its side too.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	body, err := json.Marshal(sendRequest{
		From:      p.from,
		To:        msg.To,
		Subject:   msg.Subject,
		Text:      msg.Body,
		ActionURL: msg.ActionURL,
	})
	if err != nil {
		return SendResult{}, errors.Wrap(err, "marshal email")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, errors.Wrap(err, "build email request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "send email")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, errors.Newf("email provider returned status %d: %s", resp.StatusCode, string(raw))
	}
	// Any 2xx counts as accepted; the id is optional.
	var out sendResponse
	_ = json.Unmarshal(raw, &out)
	return SendResult{MessageID: out.ID}, nil
}

// LogProvider logs messages instead of sending them. Used when no endpoint is configured.
type LogProvider struct {
	log *zap.SugaredLogger
}

func NewLogProvider(log *zap.SugaredLogger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(_ context.Context, msg Message) (SendResult, error) {
	id := "log-" + uuid.NewString()
	p.log.Infow("email (log provider)", "to", msg.To, "subject", msg.Subject, "message_id", id, "idempotency_key", msg.IdempotencyKey)
	return SendResult{MessageID: id}, nil
}
