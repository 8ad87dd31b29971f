package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetroute/internal/model"
	"fleetroute/internal/store"
)

const EventJobFinished = "job.finished"

// Event is the body POSTed to a job callback.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	JobID     string          `json:"jobId"`
	Status    model.JobStatus `json:"status"`
	TotalCost float64         `json:"totalCost"`
	Error     string          `json:"error,omitempty"`
	TS        string          `json:"ts"`
}

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// JobFinished queues the completion callback for job. Jobs without a callback are skipped.
func (p *Publisher) JobFinished(ctx context.Context, job *model.Job) (string, error) {
	if job.Callback == nil || job.Callback.URL == "" {
		return "", nil
	}
	body, err := json.Marshal(Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventJobFinished,
		JobID:     job.ID,
		Status:    job.Status,
		TotalCost: job.TotalCost(),
		Error:     job.Error,
		TS:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("encode callback: %w", err)
	}
	return p.Store.EnqueueWebhook(ctx, job.ID, EventJobFinished, job.Callback.URL, job.Callback.Secret, body)
}
