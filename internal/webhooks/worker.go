package webhooks

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fleetroute/internal/metrics"
	"fleetroute/internal/store"
)

const DefaultMaxAttempts = 5

// Worker drains the callback queue, retrying failures with exponential backoff
// until MaxAttempts is reached.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Logger      *slog.Logger

	wg sync.WaitGroup
}

func NewWorker(s store.Store, maxAttempts int, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Logger:      logger.With("component", "webhooks"),
	}
}

// Start polls the queue until ctx is cancelled. Wait blocks until the loop has exited.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processOnce(ctx)
			}
		}
	}()
}

func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) processOnce(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil {
		w.Logger.Warn("fetch due deliveries", "err", err)
		return 0
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		w.Logger.Warn("bad callback url", "delivery", it.ID, "url", it.URL, "err", err)
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, it.EventType)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
	}

	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	code := 0
	success := false
	if err == nil {
		code = resp.StatusCode
		_ = resp.Body.Close()
		success = code >= 200 && code < 300
	}
	lastErr := ""
	switch {
	case err != nil:
		lastErr = err.Error()
	case !success:
		lastErr = http.StatusText(code)
	}

	log := w.Logger.With("delivery", it.ID, "job", it.JobID, "attempt", it.Attempts+1, "code", code, "latency_ms", latency)
	if success {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		log.Info("callback delivered")
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
		return
	}
	if it.Attempts+1 >= w.MaxAttempts {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Warn("callback abandoned", "err", lastErr)
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
	log.Info("callback failed, will retry", "err", lastErr)
	next := time.Now().Add(nextBackoff(it.Attempts))
	_ = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
}

func nextBackoff(attempts int) time.Duration {
	attempts = max(0, min(attempts, 10))
	return min(time.Second*time.Duration(1<<attempts), time.Hour)
}
