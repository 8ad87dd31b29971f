package store

import (
	"context"
	"errors"
	"time"

	"fleetroute/internal/model"
)

var (
	// ErrNotFound is returned when a job or delivery id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrJobSettled is returned by StopJob when the job already reached a terminal status.
	ErrJobSettled = errors.New("job already settled")
)

// Store persists optimization jobs and the outbound callback queue.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs returns jobs newest first, without instances or logs.
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	// UpdateJob overwrites the mutable run state: status, progress, solutions, error, timestamps.
	UpdateJob(ctx context.Context, job *model.Job) error
	// StopJob marks a job stopped at the given time unless it is already terminal,
	// in which case the current job is returned with ErrJobSettled.
	StopJob(ctx context.Context, id string, at time.Time) (*model.Job, error)
	AppendJobLog(ctx context.Context, id, line string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, jobID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
