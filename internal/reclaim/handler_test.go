package reclaim

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-ops/internal/jobs"
	"practice-ops/internal/logging"
	"practice-ops/internal/models"
	"practice-ops/internal/storage"
	"practice-ops/internal/store/memstore"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestHandler(st *memstore.Store, objects ObjectStore) *Handler {
	h := NewHandler(st, objects, logging.Nop())
	h.now = func() time.Time { return now }
	return h
}

func intent(id, doc string, version int, file string) models.UploadIntent {
	in := models.UploadIntent{
		ID: id, TenantID: "t1", CaseID: "case-1", DocumentID: doc, ExpectedVersion: version,
		Status: models.UploadInitiated, ExpiresAt: now.Add(-2 * time.Hour), CreatedAt: now.Add(-3 * time.Hour),
	}
	in.Key = DerivePrefix(in) + file
	return in
}

func status(t *testing.T, st *memstore.Store, id string) string {
	t.Helper()
	in, ok := st.UploadIntent(id)
	require.True(t, ok)
	return in.Status
}

func TestRun_LivePointerIsRecoveredNotDeleted(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 2, "brief.pdf")
	st.PutUploadIntent(in)
	st.PutDocument(models.Document{ID: "doc-1", TenantID: "t1", CaseID: "case-1", CurrentVersion: 2, FileURL: &in.Key})
	objects.Put(in.Key, 4096, "application/pdf")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Recovered)
	assert.Equal(t, models.UploadFinalized, status(t, st, "i1"))
	assert.Empty(t, objects.Deletes())
	assert.True(t, objects.Exists(in.Key))
}

func TestRun_DocumentVersionPointerIsRecovered(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "a.docx")
	st.PutUploadIntent(in)
	st.PutDocumentVersion(models.DocumentVersion{ID: "v1", TenantID: "t1", DocumentID: "doc-1", Version: 1, FileURL: in.Key})
	objects.Put(in.Key, 10, "application/msword")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Recovered)
	assert.Empty(t, objects.Deletes())
}

func TestRun_TamperedKeyIsRejected(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "x.pdf")
	in.Key = "tenants/t1/cases/case-OTHER/documents/doc-9/v1/x.pdf"
	st.PutUploadIntent(in)
	objects.Put(in.Key, 999, "application/pdf")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, ItemRejected, sum.Items[0].Outcome)
	assert.Equal(t, models.UploadFailed, status(t, st, "i1"))
	stored, _ := st.UploadIntent("i1")
	require.NotNil(t, stored.Diagnostic)
	assert.Contains(t, *stored.Diagnostic, "prefix mismatch")
	assert.Empty(t, objects.Deletes())
	assert.True(t, objects.Exists(in.Key))
}

func TestRun_RejectedIntentDoesNotBlockLaterBatches(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	bad := intent("bad", "doc-1", 1, "x.pdf")
	bad.Key = "tenants/t1/cases/case-OTHER/documents/doc-9/v1/x.pdf"
	bad.ExpiresAt = now.Add(-5 * time.Hour)
	st.PutUploadIntent(bad)
	good := intent("good", "doc-2", 1, "orphan.pdf")
	st.PutUploadIntent(good)
	objects.Put(good.Key, 64, "application/pdf")
	h := newTestHandler(st, objects)

	first, err := h.Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 1, GraceMinutes: 60})
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	assert.Equal(t, ItemRejected, first.Items[0].Outcome)

	second, err := h.Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 1, GraceMinutes: 60})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "good", second.Items[0].IntentID)
	assert.Equal(t, ItemCleaned, second.Items[0].Outcome)
	assert.Equal(t, models.UploadCleaned, status(t, st, "good"))
	assert.False(t, objects.Exists(good.Key))

	stored, _ := st.UploadIntent("bad")
	assert.Equal(t, models.UploadFailed, stored.Status)
	assert.True(t, stored.Rejected)
}

func TestRun_RelativeSegmentIsRejected(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "../../../../documents/doc-2/v1/secret.pdf")
	st.PutUploadIntent(in)
	objects.Put(in.Key, 1, "application/pdf")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, objects.Deletes())
}

func TestRun_MissingObjectIsExpired(t *testing.T) {
	st := memstore.New()
	st.PutUploadIntent(intent("i1", "doc-1", 1, "gone.pdf"))

	sum, err := newTestHandler(st, storage.NewMemoryStore()).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, models.UploadExpired, status(t, st, "i1"))
}

func TestRun_DryRunReportsWithoutDeleting(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "orphan.pdf")
	st.PutUploadIntent(in)
	objects.Put(in.Key, 2048, "application/pdf")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.WouldDelete)
	assert.Zero(t, sum.Cleaned)
	assert.Zero(t, sum.DeletedBytes)
	assert.Equal(t, ItemResult{IntentID: "i1", Outcome: ItemWouldDelete, Bytes: 2048, ContentType: "application/pdf"}, sum.Items[0])
	assert.Equal(t, models.UploadInitiated, status(t, st, "i1"))
	assert.Empty(t, objects.Deletes())
}

func TestRun_DeletesOrphanAndCountsBytes(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	a := intent("i1", "doc-1", 1, "a.pdf")
	b := intent("i2", "doc-2", 3, "b.pdf")
	b.Status = models.UploadFailed
	st.PutUploadIntent(a)
	st.PutUploadIntent(b)
	objects.Put(a.Key, 100, "application/pdf")
	objects.Put(b.Key, 250, "application/pdf")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Cleaned)
	assert.Equal(t, int64(350), sum.DeletedBytes)
	assert.ElementsMatch(t, []string{a.Key, b.Key}, objects.Deletes())
	stored, _ := st.UploadIntent("i2")
	assert.Equal(t, models.UploadCleaned, stored.Status)
	assert.Equal(t, int64(250), stored.DeletedBytes)
}

func TestRun_GraceAndTakeBoundSelection(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	fresh := intent("fresh", "doc-1", 1, "fresh.pdf")
	fresh.ExpiresAt = now.Add(-30 * time.Minute)
	st.PutUploadIntent(fresh)
	for i, id := range []string{"old-1", "old-2", "old-3"} {
		in := intent(id, "doc-x", 1, id+".pdf")
		in.ExpiresAt = now.Add(-time.Duration(10-i) * time.Hour)
		st.PutUploadIntent(in)
		objects.Put(in.Key, 1, "text/plain")
	}
	finalized := intent("done", "doc-2", 1, "done.pdf")
	finalized.Status = models.UploadFinalized
	st.PutUploadIntent(finalized)

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 2, GraceMinutes: 60})
	require.NoError(t, err)

	require.Equal(t, 2, sum.Scanned)
	assert.Equal(t, "old-1", sum.Items[0].IntentID)
	assert.Equal(t, "old-2", sum.Items[1].IntentID)
	assert.Equal(t, models.UploadInitiated, status(t, st, "fresh"))
	assert.Equal(t, models.UploadInitiated, status(t, st, "old-3"))
}

func TestRun_OtherTenantsUntouched(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "a.pdf")
	in.TenantID = "t2"
	in.Key = DerivePrefix(in) + "a.pdf"
	st.PutUploadIntent(in)
	objects.Put(in.Key, 1, "text/plain")

	sum, err := newTestHandler(st, objects).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)
	assert.Zero(t, sum.Scanned)
	assert.Empty(t, objects.Deletes())
}

// flakyObjects fails HeadObject for one key.
type flakyObjects struct {
	*storage.MemoryStore
	failKey string
}

func (f flakyObjects) HeadObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if key == f.failKey {
		return nil, errors.New("s3 unavailable")
	}
	return f.MemoryStore.HeadObject(ctx, key)
}

func TestRun_ItemFailureDoesNotAbortBatch(t *testing.T) {
	st := memstore.New()
	mem := storage.NewMemoryStore()
	bad := intent("bad", "doc-1", 1, "bad.pdf")
	bad.ExpiresAt = now.Add(-5 * time.Hour)
	good := intent("good", "doc-2", 1, "good.pdf")
	st.PutUploadIntent(bad)
	st.PutUploadIntent(good)
	mem.Put(bad.Key, 1, "text/plain")
	mem.Put(good.Key, 7, "text/plain")

	sum, err := newTestHandler(st, flakyObjects{MemoryStore: mem, failKey: bad.Key}).Run(context.Background(), "t1", jobs.CleanupUploadIntents{Take: 10, GraceMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Cleaned)
	assert.Equal(t, models.UploadInitiated, status(t, st, "bad"))
	assert.Equal(t, models.UploadCleaned, status(t, st, "good"))
}

func TestHandle_DispatchesThroughRegistry(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "a.pdf")
	st.PutUploadIntent(in)
	objects.Put(in.Key, 3, "text/plain")

	reg := jobs.NewRegistry()
	reg.Register(jobs.TypeCleanupUploadIntents, newTestHandler(st, objects).Handle)

	res, err := reg.Dispatch(context.Background(), jobs.TypeCleanupUploadIntents, []byte(`{"dryRun":true}`), jobs.Context{TenantID: "t1", MaxAttempts: 1})
	require.NoError(t, err)
	sum := res.(Summary)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.WouldDelete)
}

func TestChain_OrderStopsAtFirstDecision(t *testing.T) {
	st := memstore.New()
	objects := storage.NewMemoryStore()
	in := intent("i1", "doc-1", 1, "a.pdf")
	st.PutDocument(models.Document{ID: "doc-1", TenantID: "t1", FileURL: &in.Key})

	v, err := NewChain(st, objects).Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Recovered, v.Outcome)

	in.Key = "elsewhere/a.pdf"
	v, err = NewChain(st, objects).Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Rejected, v.Outcome)
}
