// Package health measures task-board and job-queue health per tenant and stores
// each measurement as an immutable snapshot.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"practice-ops/internal/models"
	"practice-ops/internal/telemetry"
)

// TopBacklogLimit is how many projects and cases the kanban snapshot ranks.
const TopBacklogLimit = 5

// KanbanSource reads task board aggregates.
type KanbanSource interface {
	CountTasksByStatus(ctx context.Context, tenantID string) (map[string]int, error)
	CountOrphanTasks(ctx context.Context, tenantID string) (int, error)
	OldestOpenTaskCreatedAt(ctx context.Context, tenantID string) (*time.Time, error)
	TopTaskBacklogs(ctx context.Context, tenantID, groupBy string, limit int) ([]models.BacklogEntry, error)
}

// QueueSource reads job table aggregates.
type QueueSource interface {
	CountJobsByStatus(ctx context.Context, tenantID string) (map[string]int, error)
	CountDeadLettersSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	OldestQueuedJobCreatedAt(ctx context.Context, tenantID string) (*time.Time, error)
}

// QueueDepth reads the broker's global queue lengths.
type QueueDepth interface {
	ReadyDepth(ctx context.Context) (int64, error)
	DLQLength(ctx context.Context) (int64, error)
}

// BoardSignal reports when a tenant's board last changed.
type BoardSignal interface {
	LastChanged(ctx context.Context, tenantID string) (*time.Time, error)
}

type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap models.OpsMetricSnapshot) error
}

// KanbanMetrics is the payload of a kanban snapshot.
type KanbanMetrics struct {
	CountsByStatus           map[string]int        `json:"countsByStatus"`
	OpenTasks                int                   `json:"openTasks"`
	MaxColumn                string                `json:"maxColumn"`
	MaxColumnCount           int                   `json:"maxColumnCount"`
	OrphanTasks              int                   `json:"orphanTasks"`
	OldestOpenTaskAt         *time.Time            `json:"oldestOpenTaskAt,omitempty"`
	OldestOpenTaskAgeSeconds int64                 `json:"oldestOpenTaskAgeSeconds"`
	TopProjects              []models.BacklogEntry `json:"topProjects"`
	TopCases                 []models.BacklogEntry `json:"topCases"`
	BoardChangedAt           *time.Time            `json:"boardChangedAt,omitempty"`
	BoardChangedAgeSeconds   *int64                `json:"boardChangedAgeSeconds,omitempty"`
	TimingsMs                map[string]int64      `json:"timingsMs"`
	TotalMs                  int64                 `json:"totalMs"`
}

// QueueMetrics is the payload of a queue snapshot.
type QueueMetrics struct {
	CountsByStatus         map[string]int   `json:"countsByStatus"`
	QueuedJobs             int              `json:"queuedJobs"`
	InProgressJobs         int              `json:"inProgressJobs"`
	DeadLetters24h         int              `json:"deadLetters24h"`
	OldestQueuedAt         *time.Time       `json:"oldestQueuedAt,omitempty"`
	OldestQueuedAgeSeconds int64            `json:"oldestQueuedAgeSeconds"`
	ReadyDepth             *int64           `json:"readyDepth,omitempty"`
	DLQLength              *int64           `json:"dlqLength,omitempty"`
	TimingsMs              map[string]int64 `json:"timingsMs"`
	TotalMs                int64            `json:"totalMs"`
}

// Sources wires the engine. Depth and Signal are optional.
type Sources struct {
	Kanban    KanbanSource
	Queue     QueueSource
	Depth     QueueDepth
	Signal    BoardSignal
	Snapshots SnapshotStore
}

// Engine captures snapshots. It never evaluates alerts.
type Engine struct {
	src Sources
	log *zap.SugaredLogger
	now func() time.Time
}

func NewEngine(src Sources, log *zap.SugaredLogger) *Engine {
	return &Engine{src: src, log: log.With("component", "health"), now: time.Now}
}

// timings collects per-query latency from concurrent goroutines.
type timings struct {
	mu sync.Mutex
	ms map[string]int64
}

func (t *timings) track(name string, fn func() error) func() error {
	return func() error {
		start := time.Now()
		err := fn()
		t.mu.Lock()
		t.ms[name] = time.Since(start).Milliseconds()
		t.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, name)
		}
		return nil
	}
}

// CaptureKanban runs the board queries concurrently and persists the snapshot.
func (e *Engine) CaptureKanban(ctx context.Context, tenantID string) (KanbanMetrics, models.OpsMetricSnapshot, error) {
	start := time.Now()
	now := e.now().UTC()
	tm := &timings{ms: make(map[string]int64)}

	var (
		counts      map[string]int
		orphans     int
		oldest      *time.Time
		topProjects []models.BacklogEntry
		topCases    []models.BacklogEntry
		changedAt   *time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(tm.track("countsByStatus", func() (err error) {
		counts, err = e.src.Kanban.CountTasksByStatus(gctx, tenantID)
		return err
	}))
	g.Go(tm.track("orphanTasks", func() (err error) {
		orphans, err = e.src.Kanban.CountOrphanTasks(gctx, tenantID)
		return err
	}))
	g.Go(tm.track("oldestOpenTask", func() (err error) {
		oldest, err = e.src.Kanban.OldestOpenTaskCreatedAt(gctx, tenantID)
		return err
	}))
	g.Go(tm.track("topProjects", func() (err error) {
		topProjects, err = e.src.Kanban.TopTaskBacklogs(gctx, tenantID, "project", TopBacklogLimit)
		return err
	}))
	g.Go(tm.track("topCases", func() (err error) {
		topCases, err = e.src.Kanban.TopTaskBacklogs(gctx, tenantID, "case", TopBacklogLimit)
		return err
	}))
	if e.src.Signal != nil {
		g.Go(tm.track("boardChanged", func() (err error) {
			changedAt, err = e.src.Signal.LastChanged(gctx, tenantID)
			return err
		}))
	}
	if err := g.Wait(); err != nil {
		return KanbanMetrics{}, models.OpsMetricSnapshot{}, errors.Wrap(err, "kanban snapshot")
	}

	m := KanbanMetrics{
		CountsByStatus: counts,
		OrphanTasks:    orphans,
		TopProjects:    nonNil(topProjects),
		TopCases:       nonNil(topCases),
		TimingsMs:      tm.ms,
	}
	if m.CountsByStatus == nil {
		m.CountsByStatus = map[string]int{}
	}
	for status, n := range m.CountsByStatus {
		if isTerminalTask(status) {
			continue
		}
		m.OpenTasks += n
		if n > m.MaxColumnCount || (n == m.MaxColumnCount && status < m.MaxColumn) {
			m.MaxColumn = status
			m.MaxColumnCount = n
		}
	}
	if oldest != nil {
		m.OldestOpenTaskAt = oldest
		m.OldestOpenTaskAgeSeconds = int64(now.Sub(*oldest).Seconds())
	}
	if changedAt != nil {
		age := int64(now.Sub(*changedAt).Seconds())
		m.BoardChangedAt = changedAt
		m.BoardChangedAgeSeconds = &age
	}
	m.TotalMs = time.Since(start).Milliseconds()

	snap, err := e.persist(ctx, tenantID, models.SnapshotKanban, now, m)
	telemetry.HealthCheckDuration.WithLabelValues(models.SnapshotKanban).Observe(time.Since(start).Seconds())
	return m, snap, err
}

// CaptureQueue runs the job queries concurrently and persists the snapshot.
func (e *Engine) CaptureQueue(ctx context.Context, tenantID string) (QueueMetrics, models.OpsMetricSnapshot, error) {
	start := time.Now()
	now := e.now().UTC()
	tm := &timings{ms: make(map[string]int64)}

	var (
		counts      map[string]int
		deadLetters int
		oldest      *time.Time
		ready, dlq  int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(tm.track("countsByStatus", func() (err error) {
		counts, err = e.src.Queue.CountJobsByStatus(gctx, tenantID)
		return err
	}))
	g.Go(tm.track("deadLetters24h", func() (err error) {
		deadLetters, err = e.src.Queue.CountDeadLettersSince(gctx, tenantID, now.Add(-24*time.Hour))
		return err
	}))
	g.Go(tm.track("oldestQueued", func() (err error) {
		oldest, err = e.src.Queue.OldestQueuedJobCreatedAt(gctx, tenantID)
		return err
	}))
	if e.src.Depth != nil {
		g.Go(tm.track("readyDepth", func() (err error) {
			ready, err = e.src.Depth.ReadyDepth(gctx)
			return err
		}))
		g.Go(tm.track("dlqLength", func() (err error) {
			dlq, err = e.src.Depth.DLQLength(gctx)
			return err
		}))
	}
	if err := g.Wait(); err != nil {
		return QueueMetrics{}, models.OpsMetricSnapshot{}, errors.Wrap(err, "queue snapshot")
	}

	m := QueueMetrics{
		CountsByStatus: counts,
		DeadLetters24h: deadLetters,
		TimingsMs:      tm.ms,
	}
	if m.CountsByStatus == nil {
		m.CountsByStatus = map[string]int{}
	}
	m.QueuedJobs = m.CountsByStatus[models.StatusQueued]
	m.InProgressJobs = m.CountsByStatus[models.StatusInProgress]
	if oldest != nil {
		m.OldestQueuedAt = oldest
		m.OldestQueuedAgeSeconds = int64(now.Sub(*oldest).Seconds())
	}
	if e.src.Depth != nil {
		m.ReadyDepth = &ready
		m.DLQLength = &dlq
	}
	m.TotalMs = time.Since(start).Milliseconds()

	snap, err := e.persist(ctx, tenantID, models.SnapshotQueue, now, m)
	telemetry.HealthCheckDuration.WithLabelValues(models.SnapshotQueue).Observe(time.Since(start).Seconds())
	return m, snap, err
}

func (e *Engine) persist(ctx context.Context, tenantID, kind string, at time.Time, metrics any) (models.OpsMetricSnapshot, error) {
	raw, err := json.Marshal(metrics)
	if err != nil {
		return models.OpsMetricSnapshot{}, errors.Wrap(err, "encode metrics")
	}
	snap := models.OpsMetricSnapshot{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Kind:       kind,
		CapturedAt: at,
		Metrics:    raw,
	}
	if err := e.src.Snapshots.InsertSnapshot(ctx, snap); err != nil {
		return models.OpsMetricSnapshot{}, errors.Wrap(err, "insert snapshot")
	}
	e.log.Debugw("snapshot captured", "tenant_id", tenantID, "kind", kind, "snapshot_id", snap.ID)
	return snap, nil
}

func isTerminalTask(status string) bool {
	for _, s := range models.TerminalTaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func nonNil(in []models.BacklogEntry) []models.BacklogEntry {
	if in == nil {
		return []models.BacklogEntry{}
	}
	return in
}
