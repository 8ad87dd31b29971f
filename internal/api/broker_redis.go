package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fleetroute/internal/jobs"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so several API replicas
// can stream events of jobs running elsewhere.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan jobs.Event]*redis.PubSub
}

// NewRedisBroker connects to url (redis://...) and verifies the connection.
func NewRedisBroker(ctx context.Context, url string, logger *slog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisBrokerClient(rdb, logger), nil
}

func NewRedisBrokerClient(rdb *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, logger: logger.With("component", "broker"), subs: map[chan jobs.Event]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(jobID string) chan jobs.Event {
	ch := make(chan jobs.Event, 32)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(jobID))
	// Wait for the subscription confirmation so no event published afterwards is missed.
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Warn("redis subscribe", "job", jobID, "err", err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt jobs.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			deliver(ch, evt)
		}
	}()
	return ch
}

// Unsubscribe closes the Redis subscription; ch is closed once its reader goroutine exits.
func (b *RedisBroker) Unsubscribe(jobID string, ch chan jobs.Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(jobID string, evt jobs.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(jobID), data).Err(); err != nil {
		b.logger.Warn("redis publish", "job", jobID, "type", evt.Type, "err", err)
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(jobID string) string { return "fleetroute:job:" + jobID }
