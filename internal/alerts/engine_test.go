package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-ops/internal/logging"
	"practice-ops/internal/models"
	"practice-ops/internal/store/memstore"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []models.OpsAlert
	fails bool
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a models.OpsAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestEngine(st Store, n Notifier) (*Engine, *clock) {
	c := &clock{t: t0}
	e := NewEngine(st, n, 180*time.Minute, logging.Nop())
	e.now = c.now
	return e, c
}

func backlog(triggered bool, sev models.Severity) Evaluation {
	return Evaluation{
		Key:       "kanban_backlog",
		Type:      "kanban_backlog",
		Triggered: triggered,
		Severity:  sev,
		Title:     "Kanban backlog is high",
		Message:   "12000 open tasks",
	}
}

func apply(t *testing.T, e *Engine, ev Evaluation) Change {
	t.Helper()
	changes, err := e.Apply(context.Background(), "t1", []Evaluation{ev})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	return changes[0]
}

func load(t *testing.T, st *memstore.Store) models.OpsAlert {
	t.Helper()
	a, err := st.GetAlertByKey(context.Background(), "t1", "kanban_backlog")
	require.NoError(t, err)
	return a
}

func TestApply_CreatesOpenAlertAndNotifies(t *testing.T) {
	st := memstore.New()
	n := &recordingNotifier{}
	e, _ := newTestEngine(st, n)

	ch := apply(t, e, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionCreated, ch.Transition)
	assert.True(t, ch.Notified)

	a := load(t, st)
	assert.Equal(t, models.AlertOpen, a.Status)
	assert.Equal(t, models.SeverityP2, a.Severity)
	assert.Equal(t, t0, a.FirstSeenAt)
	assert.Equal(t, t0, a.LastSeenAt)
	require.NotNil(t, a.LastNotifiedAt)
	assert.Equal(t, t0, *a.LastNotifiedAt)
	assert.Equal(t, 1, n.count())
}

func TestApply_NotTriggeredWithoutAlertIsNoop(t *testing.T) {
	st := memstore.New()
	e, _ := newTestEngine(st, &recordingNotifier{})

	ch := apply(t, e, backlog(false, models.SeverityP2))
	assert.Equal(t, TransitionNone, ch.Transition)
	_, err := st.GetAlertByKey(context.Background(), "t1", "kanban_backlog")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestApply_SeverityNeverSilentlyDowngrades(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})

	apply(t, e, backlog(true, models.SeverityP0))
	c.advance(5 * time.Minute)
	ch := apply(t, e, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionUpdated, ch.Transition)
	assert.Equal(t, models.SeverityP0, load(t, st).Severity)

	c.advance(5 * time.Minute)
	apply(t, e, backlog(false, ""))
	assert.Equal(t, models.AlertResolved, load(t, st).Status)

	c.advance(5 * time.Minute)
	ch = apply(t, e, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionReopened, ch.Transition)
	assert.Equal(t, models.SeverityP2, load(t, st).Severity)
}

func TestApply_EscalatesWhileOpen(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})

	apply(t, e, backlog(true, models.SeverityP2))
	c.advance(time.Minute)
	apply(t, e, backlog(true, models.SeverityP0))
	assert.Equal(t, models.SeverityP0, load(t, st).Severity)
}

func TestApply_ReopenResetsFreshnessAndNotifiesImmediately(t *testing.T) {
	st := memstore.New()
	n := &recordingNotifier{}
	e, c := newTestEngine(st, n)

	apply(t, e, backlog(true, models.SeverityP2))
	id := load(t, st).ID
	_, err := e.Acknowledge(context.Background(), "t1", id)
	require.NoError(t, err)

	c.advance(10 * time.Minute)
	ch := apply(t, e, backlog(false, ""))
	assert.Equal(t, TransitionResolved, ch.Transition)
	resolved := load(t, st)
	assert.Equal(t, models.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	c.advance(10 * time.Minute)
	ch = apply(t, e, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionReopened, ch.Transition)
	assert.True(t, ch.Notified)

	a := load(t, st)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, models.AlertOpen, a.Status)
	assert.Equal(t, t0.Add(20*time.Minute), a.FirstSeenAt)
	assert.Nil(t, a.AcknowledgedAt)
	assert.Nil(t, a.ResolvedAt)
	assert.Nil(t, a.SnoozedUntil)
	assert.Equal(t, 2, n.count())
}

func TestApply_NotificationThrottle(t *testing.T) {
	cases := []struct {
		gap  time.Duration
		want int
	}{
		{time.Minute, 1},
		{179 * time.Minute, 1},
		{181 * time.Minute, 2},
	}
	for _, tc := range cases {
		t.Run(tc.gap.String(), func(t *testing.T) {
			st := memstore.New()
			n := &recordingNotifier{}
			e, c := newTestEngine(st, n)

			apply(t, e, backlog(true, models.SeverityP2))
			c.advance(tc.gap)
			apply(t, e, backlog(true, models.SeverityP2))
			assert.Equal(t, tc.want, n.count())
		})
	}
}

func TestApply_RespectsActiveSnooze(t *testing.T) {
	st := memstore.New()
	n := &recordingNotifier{}
	e, c := newTestEngine(st, n)

	apply(t, e, backlog(true, models.SeverityP2))
	id := load(t, st).ID
	_, err := e.Snooze(context.Background(), "t1", id, t0.Add(time.Hour))
	require.NoError(t, err)

	c.advance(10 * time.Minute)
	ch := apply(t, e, backlog(true, models.SeverityP0))
	assert.Equal(t, TransitionSnoozed, ch.Transition)
	a := load(t, st)
	assert.Equal(t, models.AlertSnoozed, a.Status)
	assert.Equal(t, t0.Add(10*time.Minute), a.LastSeenAt)
	assert.Equal(t, t0, a.FirstSeenAt)
	assert.Equal(t, 1, n.count())

	c.advance(time.Hour)
	ch = apply(t, e, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionReopened, ch.Transition)
	a = load(t, st)
	assert.Equal(t, models.AlertOpen, a.Status)
	assert.Nil(t, a.SnoozedUntil)
	assert.Equal(t, t0.Add(70*time.Minute), a.FirstSeenAt)
	assert.Equal(t, 2, n.count())
}

func TestApply_ResolveClearsSnooze(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})

	apply(t, e, backlog(true, models.SeverityP2))
	_, err := e.Snooze(context.Background(), "t1", load(t, st).ID, t0.Add(time.Hour))
	require.NoError(t, err)

	c.advance(time.Minute)
	apply(t, e, backlog(false, ""))
	a := load(t, st)
	assert.Equal(t, models.AlertResolved, a.Status)
	assert.Nil(t, a.SnoozedUntil)
}

// vanishingStore deletes the alert right after it is read, as a concurrent
// cleanup would.
type vanishingStore struct {
	*memstore.Store
}

func (s vanishingStore) GetAlertByKey(ctx context.Context, tenantID, key string) (models.OpsAlert, error) {
	a, err := s.Store.GetAlertByKey(ctx, tenantID, key)
	if err == nil {
		s.Store.DeleteAlert(a.ID)
	}
	return a, err
}

func TestApply_UpdateMissFallsBackToUpsert(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})
	apply(t, e, backlog(true, models.SeverityP0))

	racy, _ := newTestEngine(vanishingStore{st}, &recordingNotifier{})
	racy.now = func() time.Time { return c.now().Add(time.Minute) }
	ch := apply(t, racy, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionUpdated, ch.Transition)

	a := load(t, st)
	assert.Equal(t, models.AlertOpen, a.Status)
	assert.Equal(t, models.SeverityP0, a.Severity)
	assert.Equal(t, t0.Add(time.Minute), a.LastSeenAt)
}

// interleavingStore runs before once, just ahead of the first UpdateAlert, as a
// concurrent writer landing between the read and the write would.
type interleavingStore struct {
	*memstore.Store
	once   sync.Once
	before func()
}

func (s *interleavingStore) UpdateAlert(ctx context.Context, a models.OpsAlert) (bool, error) {
	s.once.Do(s.before)
	return s.Store.UpdateAlert(ctx, a)
}

func TestApply_KeepsSnoozeWrittenBetweenReadAndUpdate(t *testing.T) {
	st := memstore.New()
	n := &recordingNotifier{}
	e, c := newTestEngine(st, n)
	apply(t, e, backlog(true, models.SeverityP2))
	id := load(t, st).ID
	c.advance(4 * time.Hour)

	racy, _ := newTestEngine(&interleavingStore{Store: st, before: func() {
		_, err := e.Snooze(context.Background(), "t1", id, c.now().Add(time.Hour))
		require.NoError(t, err)
	}}, n)
	racy.now = c.now

	ch := apply(t, racy, backlog(true, models.SeverityP2))
	assert.Equal(t, TransitionSnoozed, ch.Transition)
	assert.False(t, ch.Notified)

	a := load(t, st)
	assert.Equal(t, models.AlertSnoozed, a.Status)
	require.NotNil(t, a.SnoozedUntil)
	assert.Equal(t, c.now().Add(time.Hour), *a.SnoozedUntil)
	assert.Equal(t, c.now(), a.LastSeenAt)
	assert.Equal(t, 1, n.count())
}

func TestActions_AcknowledgeRereadsAfterConcurrentResolve(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})
	apply(t, e, backlog(true, models.SeverityP2))
	id := load(t, st).ID
	c.advance(time.Minute)

	ops, _ := newTestEngine(&interleavingStore{Store: st, before: func() {
		apply(t, e, backlog(false, ""))
	}}, &recordingNotifier{})
	ops.now = c.now

	_, err := ops.Acknowledge(context.Background(), "t1", id)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	a := load(t, st)
	assert.Equal(t, models.AlertResolved, a.Status)
	assert.Nil(t, a.AcknowledgedAt)
}

// staleStore never wins the conditional update, as if another writer always got there first.
type staleStore struct {
	*memstore.Store
}

func (staleStore) UpdateAlert(context.Context, models.OpsAlert) (bool, error) {
	return false, nil
}

func TestApply_GivesUpWhenRowKeepsChanging(t *testing.T) {
	st := memstore.New()
	e, _ := newTestEngine(st, &recordingNotifier{})
	apply(t, e, backlog(true, models.SeverityP2))

	stale, _ := newTestEngine(staleStore{st}, &recordingNotifier{})
	_, err := stale.Apply(context.Background(), "t1", []Evaluation{backlog(true, models.SeverityP0)})
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, models.SeverityP2, load(t, st).Severity)

	_, err = stale.Resolve(context.Background(), "t1", load(t, st).ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestApply_ConcurrentRunsKeepOneAlert(t *testing.T) {
	st := memstore.New()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := newTestEngine(st, &recordingNotifier{})
			_, err := e.Apply(context.Background(), "t1", []Evaluation{backlog(true, models.SeverityP2)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := st.ListAlerts(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestApply_NotifierFailureStillPersists(t *testing.T) {
	st := memstore.New()
	n := &recordingNotifier{fails: true}
	e, c := newTestEngine(st, n)

	ch := apply(t, e, backlog(true, models.SeverityP0))
	assert.False(t, ch.Notified)
	a := load(t, st)
	assert.Equal(t, models.AlertOpen, a.Status)
	assert.Nil(t, a.LastNotifiedAt)

	n.fails = false
	c.advance(time.Minute)
	ch = apply(t, e, backlog(true, models.SeverityP0))
	assert.True(t, ch.Notified)
}

func TestApply_TenantsAreIsolated(t *testing.T) {
	st := memstore.New()
	e, _ := newTestEngine(st, &recordingNotifier{})

	_, err := e.Apply(context.Background(), "t2", []Evaluation{backlog(true, models.SeverityP0)})
	require.NoError(t, err)
	_, err = st.GetAlertByKey(context.Background(), "t1", "kanban_backlog")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestActions(t *testing.T) {
	st := memstore.New()
	e, c := newTestEngine(st, &recordingNotifier{})
	apply(t, e, backlog(true, models.SeverityP2))
	id := load(t, st).ID
	ctx := context.Background()

	_, err := e.Snooze(ctx, "t1", id, t0.Add(-time.Minute))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	c.advance(time.Minute)
	acked, err := e.Acknowledge(ctx, "t1", id)
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, t0.Add(time.Minute), *acked.AcknowledgedAt)

	resolved, err := e.Resolve(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.Status)

	_, err = e.Acknowledge(ctx, "t1", id)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = e.Resolve(ctx, "t2", id)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
