package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetroute/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	deliveries map[string]*WebhookDelivery
	dedup      map[string]string // jobID|eventType|url|key -> delivery id
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[string]*model.Job{},
		deliveries: map[string]*WebhookDelivery{},
		dedup:      map[string]string{},
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	m.jobs[job.ID] = cloneJob(job, true)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j, true), nil
}

func (m *Memory) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *cloneJob(j, false))
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out[:min(len(out), clampLimit(limit))], nil
}

func (m *Memory) UpdateJob(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = job.Status
	cur.Progress = job.Progress
	cur.ShiftID = job.ShiftID
	cur.Generation = job.Generation
	cur.Generations = job.Generations
	cur.BestCost = job.BestCost
	cur.Solutions = maps.Clone(job.Solutions)
	cur.Error = job.Error
	cur.StartedAt = job.StartedAt
	cur.FinishedAt = job.FinishedAt
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) StopJob(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.Terminal() {
		return cloneJob(cur, true), ErrJobSettled
	}
	cur.Status = model.JobStopped
	cur.FinishedAt = &at
	cur.UpdatedAt = time.Now().UTC()
	return cloneJob(cur, true), nil
}

func (m *Memory) AppendJobLog(ctx context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Logs = append(j.Logs, line)
	return nil
}

// cloneJob copies j so callers never share slices or maps with the store.
func cloneJob(j *model.Job, withDetail bool) *model.Job {
	c := *j
	c.Solutions = maps.Clone(j.Solutions)
	if j.Callback != nil {
		cb := *j.Callback
		c.Callback = &cb
	}
	if withDetail {
		c.Logs = slices.Clone(j.Logs)
		if c.Logs == nil {
			c.Logs = []string{}
		}
	} else {
		c.Logs = nil
		c.Instance = nil
	}
	return &c
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, jobID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jobID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if id, ok := m.dedup[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, JobID: jobID, EventType: eventType, URL: url, Secret: secret,
		Payload: slices.Clone(payload), Status: DeliveryPending, NextAttemptAt: time.Now(),
	}
	m.dedup[key] = id
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, d := range m.deliveries {
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b WebhookDelivery) int { return a.NextAttemptAt.Compare(b.NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		now := time.Now()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return WebhookDelivery{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
