// Package memstore is an in-process implementation of every repository the
// handlers use. It backs the handler tests and STORE_DRIVER=memory dev runs.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"practice-ops/internal/models"
)

// Store keeps all rows in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	jobs          map[string]models.Job
	idemKeys      map[string]idemEntry
	jobEvents     []models.JobEvent
	auditLogs     map[string]models.AuditLog
	deliveries    map[string]models.EmailDeliveryAttempt
	modules       map[string]models.ToolModule
	invocations   map[string]models.ToolInvocation
	intents       map[string]models.UploadIntent
	documents     map[string]models.Document
	versions      []models.DocumentVersion
	tasks         map[string]models.Task
	snapshots     []models.OpsMetricSnapshot
	alerts        map[string]models.OpsAlert
	users         map[string][]adminUser
	notifications []models.Notification
}

type idemEntry struct {
	jobID   string
	expires time.Time
}

type adminUser struct {
	user  models.User
	admin bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]models.Job),
		idemKeys:    make(map[string]idemEntry),
		auditLogs:   make(map[string]models.AuditLog),
		deliveries:  make(map[string]models.EmailDeliveryAttempt),
		modules:     make(map[string]models.ToolModule),
		invocations: make(map[string]models.ToolInvocation),
		intents:     make(map[string]models.UploadIntent),
		documents:   make(map[string]models.Document),
		tasks:       make(map[string]models.Task),
		alerts:      make(map[string]models.OpsAlert),
		users:       make(map[string][]adminUser),
	}
}

func (s *Store) Close() {}

// ---- jobs ----

func (s *Store) CreateJob(_ context.Context, p models.CreateJobParams) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	now := time.Now().UTC()
	if p.IdempotencyKey != "" {
		if e, ok := s.idemKeys[p.IdempotencyKey]; ok && (e.expires.IsZero() || e.expires.After(now)) {
			return s.jobs[e.jobID], true, nil
		}
	}
	job := models.Job{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Priority:    p.Priority,
		TenantID:    p.TenantID,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
		var expires time.Time
		if p.IdempotencyTTL > 0 {
			expires = now.Add(p.IdempotencyTTL)
		}
		s.idemKeys[key] = idemEntry{jobID: job.ID, expires: expires}
	}
	s.jobs[job.ID] = job
	return job, false, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(models.ErrNotFound, "job %s", id)
	}
	return job, nil
}

func (s *Store) updateJob(id string, fn func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "job %s", id)
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error {
	return s.updateJob(id, func(j *models.Job) {
		j.Status = status
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = lastError
	})
}

func (s *Store) SetWorkerID(_ context.Context, id, workerID string) error {
	return s.updateJob(id, func(j *models.Job) { j.WorkerID = &workerID })
}

func (s *Store) MarkSuccess(_ context.Context, id string, result json.RawMessage) error {
	return s.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusSucceeded
		j.LastError = nil
		j.Result = result
	})
}

func (s *Store) MarkCancelled(_ context.Context, id string) error {
	return s.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusCancelled
		j.LastError = nil
	})
}

func (s *Store) MarkDeadLetter(_ context.Context, id string, attempts int, lastError string) error {
	return s.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusDeadLetter
		j.Attempts = attempts
		j.LastError = &lastError
	})
}

func (s *Store) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusQueued
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = &lastErr
	})
}

func (s *Store) AppendJobEvent(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobEvents = append(s.jobEvents, models.JobEvent{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// JobEvents returns the events recorded for jobID in order.
func (s *Store) JobEvents(jobID string) []models.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobEvent
	for _, e := range s.jobEvents {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) CountJobsByStatus(_ context.Context, tenantID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, j := range s.jobs {
		if j.TenantID == tenantID {
			out[j.Status]++
		}
	}
	return out, nil
}

func (s *Store) CountDeadLettersSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Status == models.StatusDeadLetter && !j.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestQueuedJobCreatedAt(_ context.Context, tenantID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *time.Time
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.Status != models.StatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(*oldest) {
			t := j.CreatedAt
			oldest = &t
		}
	}
	return oldest, nil
}

// ---- audit ----

func (s *Store) InsertAuditLog(_ context.Context, entry models.AuditLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditLogs[entry.JobID]; ok {
		return false, nil
	}
	s.auditLogs[entry.JobID] = entry
	return true, nil
}

// AuditLogs returns the audit entries for tenantID.
func (s *Store) AuditLogs(tenantID string) []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, e := range s.auditLogs {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// ---- email ledger ----

func (s *Store) InsertPendingDelivery(_ context.Context, d models.EmailDeliveryAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deliveries {
		if existing.TenantID == d.TenantID && existing.IdempotencyKey == d.IdempotencyKey {
			return false, nil
		}
	}
	s.deliveries[d.ID] = d
	return true, nil
}

func (s *Store) GetDeliveryByKey(_ context.Context, tenantID, key string) (models.EmailDeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.IdempotencyKey == key {
			return d, nil
		}
	}
	return models.EmailDeliveryAttempt{}, errors.Wrapf(models.ErrNotFound, "delivery %s", key)
}

func (s *Store) ClaimDelivery(_ context.Context, tenantID, id, provider string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return false, nil
	}
	claimable := d.Status == models.DeliveryFailed || (d.Status == models.DeliveryPending && d.UpdatedAt.Before(staleBefore))
	if !claimable {
		return false, nil
	}
	d.Status = models.DeliveryPending
	d.Provider = provider
	d.Error = nil
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[id] = d
	return true, nil
}

func (s *Store) MarkDeliverySent(_ context.Context, tenantID, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return errors.Wrapf(models.ErrNotFound, "delivery %s", id)
	}
	d.Status = models.DeliverySent
	d.MessageID = nil
	if messageID != "" {
		d.MessageID = &messageID
	}
	d.Error = nil
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[id] = d
	return nil
}

func (s *Store) MarkDeliveryFailed(_ context.Context, tenantID, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return errors.Wrapf(models.ErrNotFound, "delivery %s", id)
	}
	d.Status = models.DeliveryFailed
	d.Error = &errMsg
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[id] = d
	return nil
}

// Deliveries returns all ledger rows for tenantID.
func (s *Store) Deliveries(tenantID string) []models.EmailDeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EmailDeliveryAttempt
	for _, d := range s.deliveries {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out
}

// PutDelivery overwrites a ledger row. Tests use it to age rows.
func (s *Store) PutDelivery(d models.EmailDeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
}

// ---- tool invocations ----

func (s *Store) PutToolModule(m models.ToolModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ID] = m
}

func (s *Store) PutInvocation(inv models.ToolInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[inv.ID] = inv
}

func (s *Store) GetInvocation(_ context.Context, tenantID, id string) (models.ToolInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok || inv.TenantID != tenantID {
		return models.ToolInvocation{}, errors.Wrapf(models.ErrNotFound, "invocation %s", id)
	}
	return inv, nil
}

func (s *Store) GetToolModule(_ context.Context, tenantID, id string) (models.ToolModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.TenantID != tenantID {
		return models.ToolModule{}, errors.Wrapf(models.ErrNotFound, "tool module %s", id)
	}
	return m, nil
}

func (s *Store) UpdatePendingInvocation(_ context.Context, tenantID, id string, u models.InvocationUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok || inv.TenantID != tenantID || inv.Status != models.InvocationPending {
		return false, nil
	}
	inv.Status = u.Status
	if u.Response != nil {
		inv.Response = u.Response
	}
	inv.Error = u.Error
	inv.UpdatedAt = time.Now().UTC()
	s.invocations[id] = inv
	return true, nil
}

// ---- upload intents and documents ----

func (s *Store) PutUploadIntent(in models.UploadIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = in
}

func (s *Store) PutDocument(d models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[d.ID] = d
}

func (s *Store) PutDocumentVersion(v models.DocumentVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, v)
}

// UploadIntent returns the intent with id regardless of tenant.
func (s *Store) UploadIntent(id string) (models.UploadIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	return in, ok
}

func (s *Store) ListReclaimableIntents(_ context.Context, tenantID string, cutoff time.Time, take int) ([]models.UploadIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UploadIntent
	for _, in := range s.intents {
		if in.TenantID != tenantID {
			continue
		}
		if in.Status != models.UploadInitiated && in.Status != models.UploadFailed {
			continue
		}
		if in.Rejected || !in.ExpiresAt.Before(cutoff) {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

func (s *Store) DocumentVersionHasKey(_ context.Context, tenantID, documentID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.TenantID == tenantID && v.DocumentID == documentID && v.FileURL == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DocumentPointsAtKey(_ context.Context, tenantID, documentID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[documentID]
	if !ok || d.TenantID != tenantID || d.FileURL == nil {
		return false, nil
	}
	return *d.FileURL == key, nil
}

func (s *Store) UpdateOpenIntent(_ context.Context, tenantID, id string, u models.IntentUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.TenantID != tenantID {
		return false, nil
	}
	if in.Status != models.UploadInitiated && in.Status != models.UploadFailed {
		return false, nil
	}
	in.Status = u.Status
	in.Diagnostic = u.Diagnostic
	in.Rejected = u.Rejected
	in.DeletedBytes = u.DeletedBytes
	in.UpdatedAt = time.Now().UTC()
	s.intents[id] = in
	return true, nil
}

// ---- tasks ----

func (s *Store) PutTask(t models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func isTerminalTask(status string) bool {
	for _, t := range models.TerminalTaskStatuses {
		if status == t {
			return true
		}
	}
	return false
}

func (s *Store) CountTasksByStatus(_ context.Context, tenantID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, t := range s.tasks {
		if t.TenantID == tenantID {
			out[t.Status]++
		}
	}
	return out, nil
}

func (s *Store) CountOrphanTasks(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.TenantID == tenantID && !isTerminalTask(t.Status) && t.CaseID == nil && t.ProjectID == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestOpenTaskCreatedAt(_ context.Context, tenantID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *time.Time
	for _, t := range s.tasks {
		if t.TenantID != tenantID || isTerminalTask(t.Status) {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(*oldest) {
			c := t.CreatedAt
			oldest = &c
		}
	}
	return oldest, nil
}

func (s *Store) TopTaskBacklogs(_ context.Context, tenantID, groupBy string, limit int) ([]models.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		if t.TenantID != tenantID || isTerminalTask(t.Status) {
			continue
		}
		var owner *string
		switch groupBy {
		case "project":
			owner = t.ProjectID
		case "case":
			owner = t.CaseID
		default:
			return nil, errors.Newf("unknown backlog grouping %q", groupBy)
		}
		if owner != nil {
			counts[*owner]++
		}
	}
	out := make([]models.BacklogEntry, 0, len(counts))
	for id, n := range counts {
		out = append(out, models.BacklogEntry{ID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- snapshots ----

func (s *Store) InsertSnapshot(_ context.Context, snap models.OpsMetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context, tenantID, kind string) (models.OpsMetricSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.OpsMetricSnapshot
	for i := range s.snapshots {
		snap := s.snapshots[i]
		if snap.TenantID != tenantID || snap.Kind != kind {
			continue
		}
		if latest == nil || !snap.CapturedAt.Before(latest.CapturedAt) {
			latest = &snap
		}
	}
	if latest == nil {
		return models.OpsMetricSnapshot{}, errors.Wrapf(models.ErrNotFound, "%s snapshot", kind)
	}
	return *latest, nil
}

// Snapshots returns all snapshots for tenantID in insertion order.
func (s *Store) Snapshots(tenantID string) []models.OpsMetricSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OpsMetricSnapshot
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID {
			out = append(out, snap)
		}
	}
	return out
}

// ---- alerts ----

func alertKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *Store) GetAlertByKey(_ context.Context, tenantID, key string) (models.OpsAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.IdempotencyKey == key {
			return a, nil
		}
	}
	return models.OpsAlert{}, errors.Wrapf(models.ErrNotFound, "alert %s", key)
}

func (s *Store) GetAlert(_ context.Context, tenantID, id string) (models.OpsAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.TenantID != tenantID {
		return models.OpsAlert{}, errors.Wrapf(models.ErrNotFound, "alert %s", id)
	}
	return a, nil
}

func (s *Store) UpdateAlert(_ context.Context, a models.OpsAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.alerts[a.ID]
	if !ok || existing.TenantID != a.TenantID || existing.Version != a.Version {
		return false, nil
	}
	a.LastNotifiedAt = existing.LastNotifiedAt
	a.Version++
	s.alerts[a.ID] = a
	return true, nil
}

func (s *Store) UpsertAlert(_ context.Context, a models.OpsAlert) (models.OpsAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.alerts {
		if alertKey(existing.TenantID, existing.IdempotencyKey) == alertKey(a.TenantID, a.IdempotencyKey) {
			a.ID = id
			a.LastNotifiedAt = existing.LastNotifiedAt
			a.Version = existing.Version + 1
			s.alerts[id] = a
			return a, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Version = 0
	s.alerts[a.ID] = a
	return a, nil
}

func (s *Store) MarkAlertNotified(_ context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.TenantID != tenantID {
		return errors.Wrapf(models.ErrNotFound, "alert %s", id)
	}
	a.LastNotifiedAt = &at
	s.alerts[id] = a
	return nil
}

func (s *Store) ListAlerts(_ context.Context, tenantID, status string) ([]models.OpsAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OpsAlert
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if status != "" && !strings.EqualFold(a.Status, status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

// DeleteAlert removes a row, simulating a concurrent delete.
func (s *Store) DeleteAlert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, id)
}

// ---- users and notifications ----

// PutUser adds a tenant user; admin users receive alert notifications.
func (s *Store) PutUser(tenantID string, u models.User, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[tenantID] = append(s.users[tenantID], adminUser{user: u, admin: admin})
}

func (s *Store) ListTenantAdmins(_ context.Context, tenantID string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users[tenantID] {
		if u.admin {
			out = append(out, u.user)
		}
	}
	return out, nil
}

func (s *Store) InsertNotifications(_ context.Context, rows []models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, rows...)
	return nil
}

// Notifications returns in-app notifications for tenantID.
func (s *Store) Notifications(tenantID string) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.TenantID == tenantID {
			out = append(out, n)
		}
	}
	return out
}
