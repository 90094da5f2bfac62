package reclaim

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"practice-ops/internal/jobs"
	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// Per-item result labels.
const (
	ItemRecovered   = "recovered"
	ItemExpired     = "expired"
	ItemRejected    = "rejected"
	ItemCleaned     = "cleaned"
	ItemWouldDelete = "would_delete"
	ItemFailed      = "failed"
	ItemSkipped     = "skipped"
)

// ItemResult reports what happened to one intent.
type ItemResult struct {
	IntentID    string `json:"intentId"`
	Outcome     string `json:"outcome"`
	Bytes       int64  `json:"bytes,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Summary is the job result.
type Summary struct {
	DryRun       bool         `json:"dryRun"`
	Scanned      int          `json:"scanned"`
	Recovered    int          `json:"recovered"`
	Cleaned      int          `json:"cleaned"`
	Expired      int          `json:"expired"`
	Failed       int          `json:"failed"`
	Skipped      int          `json:"skipped"`
	WouldDelete  int          `json:"wouldDelete"`
	DeletedBytes int64        `json:"deletedBytes"`
	Items        []ItemResult `json:"items"`
}

// Handler runs CLEANUP_UPLOAD_INTENTS batches.
type Handler struct {
	store   Store
	objects ObjectStore
	chain   *Chain
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewHandler(store Store, objects ObjectStore, log *zap.SugaredLogger) *Handler {
	return &Handler{
		store:   store,
		objects: objects,
		chain:   NewChain(store, objects),
		log:     log.With("handler", jobs.TypeCleanupUploadIntents),
		now:     time.Now,
	}
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, p jobs.Payload, jc jobs.Context) (any, error) {
	payload, ok := p.(jobs.CleanupUploadIntents)
	if !ok {
		return nil, jobs.Invalid(jobs.TypeCleanupUploadIntents, "unexpected payload %T", p)
	}
	return h.Run(ctx, jc.TenantID, payload)
}

// Run processes one batch for a tenant. Only listing failures are returned as errors;
// per-intent failures are counted in the summary.
func (h *Handler) Run(ctx context.Context, tenantID string, p jobs.CleanupUploadIntents) (Summary, error) {
	take := p.Take
	if take <= 0 {
		take = jobs.DefaultCleanupTake
	}
	if take > jobs.MaxCleanupTake {
		take = jobs.MaxCleanupTake
	}
	cutoff := h.now().Add(-time.Duration(p.GraceMinutes) * time.Minute)

	intents, err := h.store.ListReclaimableIntents(ctx, tenantID, cutoff, take)
	if err != nil {
		return Summary{}, errors.Wrap(err, "list reclaimable intents")
	}

	sum := Summary{DryRun: p.DryRun, Scanned: len(intents), Items: make([]ItemResult, 0, len(intents))}
	for _, in := range intents {
		item := h.process(ctx, in, p.DryRun)
		sum.add(item)
		telemetry.ReclaimOutcomes.WithLabelValues(item.Outcome).Inc()
	}
	telemetry.ReclaimDeletedBytes.Add(float64(sum.DeletedBytes))

	h.log.Infow("reclaim batch finished",
		"tenant_id", tenantID,
		"dry_run", p.DryRun,
		"scanned", sum.Scanned,
		"recovered", sum.Recovered,
		"cleaned", sum.Cleaned,
		"expired", sum.Expired,
		"failed", sum.Failed,
		"would_delete", sum.WouldDelete,
		"deleted_bytes", sum.DeletedBytes,
	)
	return sum, nil
}

func (s *Summary) add(item ItemResult) {
	switch item.Outcome {
	case ItemRecovered:
		s.Recovered++
	case ItemExpired:
		s.Expired++
	case ItemRejected, ItemFailed:
		s.Failed++
	case ItemCleaned:
		s.Cleaned++
		s.DeletedBytes += item.Bytes
	case ItemWouldDelete:
		s.WouldDelete++
	case ItemSkipped:
		s.Skipped++
	}
	s.Items = append(s.Items, item)
}

// process never returns an error; one intent must not abort the batch.
func (h *Handler) process(ctx context.Context, in models.UploadIntent, dryRun bool) (item ItemResult) {
	item = ItemResult{IntentID: in.ID}
	log := h.log.With("tenant_id", in.TenantID, "intent_id", in.ID, "key", in.Key)
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("reclaim item panicked", "panic", r)
			item = ItemResult{IntentID: in.ID, Outcome: ItemFailed, Detail: "internal error"}
		}
	}()

	verdict, err := h.chain.Evaluate(ctx, in)
	if err != nil {
		log.Warnw("reclaim guard failed", "error", err)
		return ItemResult{IntentID: in.ID, Outcome: ItemFailed, Detail: err.Error()}
	}

	switch verdict.Outcome {
	case Rejected:
		log.Warnw("upload intent key rejected", "reason", verdict.Reason)
		return h.transition(ctx, in, ItemRejected, models.IntentUpdate{Status: models.UploadFailed, Diagnostic: &verdict.Reason, Rejected: true}, verdict.Reason)
	case Recovered:
		return h.transition(ctx, in, ItemRecovered, models.IntentUpdate{Status: models.UploadFinalized, Diagnostic: &verdict.Reason}, verdict.Reason)
	case Expired:
		return h.transition(ctx, in, ItemExpired, models.IntentUpdate{Status: models.UploadExpired}, verdict.Reason)
	}

	var size int64
	var contentType string
	if verdict.Object != nil {
		size = verdict.Object.ContentLength
		contentType = verdict.Object.ContentType
	}
	if dryRun {
		return ItemResult{IntentID: in.ID, Outcome: ItemWouldDelete, Bytes: size, ContentType: contentType}
	}

	if err := h.objects.DeleteObject(ctx, in.Key); err != nil {
		log.Warnw("delete object failed", "error", err)
		msg := err.Error()
		if _, uerr := h.store.UpdateOpenIntent(ctx, in.TenantID, in.ID, models.IntentUpdate{Status: models.UploadFailed, Diagnostic: &msg}); uerr != nil {
			log.Errorw("record delete failure", "error", uerr)
		}
		return ItemResult{IntentID: in.ID, Outcome: ItemFailed, Detail: msg}
	}
	res := h.transition(ctx, in, ItemCleaned, models.IntentUpdate{Status: models.UploadCleaned, DeletedBytes: size}, "")
	// The object is gone either way; report the bytes even if the row moved on.
	res.Outcome = ItemCleaned
	res.Bytes = size
	res.ContentType = contentType
	return res
}

func (h *Handler) transition(ctx context.Context, in models.UploadIntent, outcome string, u models.IntentUpdate, detail string) ItemResult {
	applied, err := h.store.UpdateOpenIntent(ctx, in.TenantID, in.ID, u)
	if err != nil {
		h.log.Warnw("update upload intent failed", "intent_id", in.ID, "status", u.Status, "error", err)
		return ItemResult{IntentID: in.ID, Outcome: ItemFailed, Detail: err.Error()}
	}
	if !applied {
		return ItemResult{IntentID: in.ID, Outcome: ItemSkipped, Detail: "intent changed concurrently"}
	}
	return ItemResult{IntentID: in.ID, Outcome: outcome, Detail: detail}
}
