package jobs

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload is the typed body of a job. Only ParsePayload constructs one from raw JSON.
type Payload interface {
	JobType() JobType
}

// SendEmail delivers one email. The idempotency key comes from the job context.
type SendEmail struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Content   string `json:"content,omitempty"`
	ActionURL string `json:"actionUrl,omitempty"`
}

// AuditLog appends an audit trail entry.
type AuditLog struct {
	UserID   string          `json:"userId"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TriggerToolWebhook calls the webhook behind a tool invocation.
type TriggerToolWebhook struct {
	InvocationID string `json:"invocationId"`
}

// CleanupUploadIntents reclaims storage held by abandoned upload intents.
type CleanupUploadIntents struct {
	Take         int  `json:"take"`
	GraceMinutes int  `json:"graceMinutes"`
	DryRun       bool `json:"dryRun"`
}

// QueueHealthCheck snapshots job queue health.
type QueueHealthCheck struct{}

// KanbanHealthCheck snapshots task board health.
type KanbanHealthCheck struct{}

func (SendEmail) JobType() JobType            { return TypeSendEmail }
func (AuditLog) JobType() JobType             { return TypeAuditLog }
func (TriggerToolWebhook) JobType() JobType   { return TypeTriggerToolWebhook }
func (CleanupUploadIntents) JobType() JobType { return TypeCleanupUploadIntents }
func (QueueHealthCheck) JobType() JobType     { return TypeQueueHealthCheck }
func (KanbanHealthCheck) JobType() JobType    { return TypeKanbanHealthCheck }

// Reclamation batch defaults.
const (
	DefaultCleanupTake         = 100
	MaxCleanupTake             = 500
	DefaultCleanupGraceMinutes = 60
)

var payloadSchemas = map[JobType]string{
	TypeSendEmail: `{
		"type": "object",
		"required": ["to", "subject"],
		"properties": {
			"to": {"type": "string", "minLength": 3, "pattern": "^[^@\\s]+@[^@\\s]+$"},
			"subject": {"type": "string", "minLength": 1, "maxLength": 998},
			"content": {"type": "string"},
			"actionUrl": {"type": "string"}
		}
	}`,
	TypeAuditLog: `{
		"type": "object",
		"required": ["userId", "action", "resource"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"action": {"type": "string", "minLength": 1},
			"resource": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"}
		}
	}`,
	TypeTriggerToolWebhook: `{
		"type": "object",
		"required": ["invocationId"],
		"properties": {
			"invocationId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeCleanupUploadIntents: `{
		"type": "object",
		"properties": {
			"take": {"type": "integer", "minimum": 1, "maximum": 500},
			"graceMinutes": {"type": "integer", "minimum": 0},
			"dryRun": {"type": "boolean"}
		}
	}`,
	TypeQueueHealthCheck:  `{"type": "object"}`,
	TypeKanbanHealthCheck: `{"type": "object"}`,
}

var (
	compileOnce sync.Once
	compiled    map[JobType]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[JobType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[JobType]*jsonschema.Schema, len(payloadSchemas))
		for jobType, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = errors.Wrapf(err, "parse schema %s", jobType)
				return
			}
			url := "https://practice-ops.local/schemas/" + strings.ToLower(string(jobType)) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = errors.Wrapf(err, "add schema %s", jobType)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = errors.Wrapf(err, "compile schema %s", jobType)
				return
			}
			out[jobType] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// ParsePayload validates raw against the job type's schema and decodes it into
// its variant. An empty body is treated as {}.
func ParsePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	all, err := schemas()
	if err != nil {
		return nil, err
	}
	sch, ok := all[jobType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJobType, "%q", jobType)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, Invalid(jobType, "payload is not valid JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, Invalid(jobType, "%v", err)
	}

	switch jobType {
	case TypeSendEmail:
		var p SendEmail
		if err := decodeInto(jobType, trimmed, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeAuditLog:
		var p AuditLog
		if err := decodeInto(jobType, trimmed, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeTriggerToolWebhook:
		var p TriggerToolWebhook
		if err := decodeInto(jobType, trimmed, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeCleanupUploadIntents:
		p := CleanupUploadIntents{Take: DefaultCleanupTake, GraceMinutes: DefaultCleanupGraceMinutes}
		if err := decodeInto(jobType, trimmed, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeQueueHealthCheck:
		return QueueHealthCheck{}, nil
	case TypeKanbanHealthCheck:
		return KanbanHealthCheck{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownJobType, "%q", jobType)
}

func decodeInto(jobType JobType, raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return Invalid(jobType, "decode payload: %v", err)
	}
	return nil
}
