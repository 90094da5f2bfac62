package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-ops/internal/email"
	"practice-ops/internal/jobs"
	"practice-ops/internal/logging"
	"practice-ops/internal/models"
	"practice-ops/internal/store/memstore"
)

type countingProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProvider) Name() string { return "fake" }

func (p *countingProvider) Send(_ context.Context, msg email.Message) (email.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return email.SendResult{}, p.err
	}
	return email.SendResult{MessageID: "msg-" + msg.IdempotencyKey}, nil
}

func newTestHandler(st *memstore.Store, p email.Provider) *Handler {
	return NewHandler(NewLedger(st, time.Minute), p, logging.Nop())
}

var sampleEmail = jobs.SendEmail{To: "ana@firm.test", Subject: "Deadline tomorrow", Content: "File the brief."}

func TestHandler_IdempotentSend(t *testing.T) {
	st := memstore.New()
	provider := &countingProvider{}
	h := newTestHandler(st, provider)
	jc := jobs.Context{JobID: "j1", TenantID: "t1", IdempotencyKey: "reminder-42", MaxAttempts: 3}

	first, err := h.Handle(context.Background(), sampleEmail, jc)
	require.NoError(t, err)
	second, err := h.Handle(context.Background(), sampleEmail, jc)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, "SENT", first.(Result).Status)
	assert.Equal(t, "ALREADY_SENT", second.(Result).Status)
	assert.Equal(t, first.(Result).MessageID, second.(Result).MessageID)

	rows := st.Deliveries("t1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliverySent, rows[0].Status)
	require.NotNil(t, rows[0].MessageID)
	assert.Equal(t, "msg-reminder-42", *rows[0].MessageID)
}

func TestHandler_AcceptedWithoutMessageIDIsSent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := memstore.New()
	h := newTestHandler(st, email.NewHTTPProvider(srv.URL, "", "ops@firm.test", srv.Client()))
	jc := jobs.Context{JobID: "j1", TenantID: "t1", IdempotencyKey: "reminder-43", MaxAttempts: 3}

	first, err := h.Handle(context.Background(), sampleEmail, jc)
	require.NoError(t, err)
	assert.Equal(t, "SENT", first.(Result).Status)
	second, err := h.Handle(context.Background(), sampleEmail, jc)
	require.NoError(t, err)
	assert.Equal(t, "ALREADY_SENT", second.(Result).Status)
	assert.Equal(t, int32(1), calls.Load())

	rows := st.Deliveries("t1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliverySent, rows[0].Status)
	assert.Nil(t, rows[0].MessageID)
}

func TestHandler_SameKeyDifferentTenants(t *testing.T) {
	st := memstore.New()
	provider := &countingProvider{}
	h := newTestHandler(st, provider)

	_, err := h.Handle(context.Background(), sampleEmail, jobs.Context{TenantID: "t1", IdempotencyKey: "k", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), sampleEmail, jobs.Context{TenantID: "t2", IdempotencyKey: "k", MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestHandler_MissingKeyIsPermanent(t *testing.T) {
	st := memstore.New()
	provider := &countingProvider{}
	h := newTestHandler(st, provider)

	_, err := h.Handle(context.Background(), sampleEmail, jobs.Context{TenantID: "t1", IdempotencyKey: "  ", MaxAttempts: 3})
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	assert.Zero(t, provider.calls)
	assert.Empty(t, st.Deliveries("t1"))
}

func TestHandler_ProviderFailureMarksFailedThenRetrySends(t *testing.T) {
	st := memstore.New()
	provider := &countingProvider{err: errors.New("smtp outage")}
	h := newTestHandler(st, provider)
	jc := jobs.Context{TenantID: "t1", IdempotencyKey: "k-retry", MaxAttempts: 3}

	_, err := h.Handle(context.Background(), sampleEmail, jc)
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
	rows := st.Deliveries("t1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "smtp outage")

	provider.err = nil
	jc.Attempts = 1
	res, err := h.Handle(context.Background(), sampleEmail, jc)
	require.NoError(t, err)
	assert.Equal(t, "SENT", res.(Result).Status)
	assert.Equal(t, 2, provider.calls)

	rows = st.Deliveries("t1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliverySent, rows[0].Status)
	assert.Nil(t, rows[0].Error)
}

func TestLedger_FreshPendingIsInFlight(t *testing.T) {
	st := memstore.New()
	ledger := NewLedger(st, 10*time.Minute)
	ctx := context.Background()

	first, err := ledger.BeginAttempt(ctx, "t1", "k", sampleEmail, "fake")
	require.NoError(t, err)
	assert.Equal(t, New, first.Outcome)

	_, err = ledger.BeginAttempt(ctx, "t1", "k", sampleEmail, "fake")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInFlight))
}

func TestLedger_StalePendingCanBeClaimed(t *testing.T) {
	st := memstore.New()
	ledger := NewLedger(st, 10*time.Minute)
	ctx := context.Background()

	first, err := ledger.BeginAttempt(ctx, "t1", "k", sampleEmail, "fake")
	require.NoError(t, err)

	stale := first.Delivery
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	st.PutDelivery(stale)

	again, err := ledger.BeginAttempt(ctx, "t1", "k", sampleEmail, "fake")
	require.NoError(t, err)
	assert.Equal(t, New, again.Outcome)
	assert.Equal(t, first.Delivery.ID, again.Delivery.ID)
}

func TestLedger_ConcurrentBeginOnlyOneWins(t *testing.T) {
	st := memstore.New()
	ledger := NewLedger(st, 10*time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := ledger.BeginAttempt(context.Background(), "t1", "race", sampleEmail, "fake")
			if err == nil && a.Outcome == New {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
