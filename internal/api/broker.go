package api

import (
	"sync"
	"time"

	"fleetroute/internal/jobs"
)

// EventBroker fans job events out to live subscribers.
type EventBroker interface {
	Subscribe(jobID string) chan jobs.Event
	Unsubscribe(jobID string, ch chan jobs.Event)
	Publish(jobID string, evt jobs.Event)
}

// finishedWait bounds how long a publisher waits for room to deliver job.finished.
const finishedWait = time.Second

// deliver hands evt to a subscriber without blocking, except for the final event
// of a job which waits up to finishedWait so streams can close cleanly.
func deliver(ch chan jobs.Event, evt jobs.Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	if evt.Type != jobs.EventFinished {
		return
	}
	t := time.NewTimer(finishedWait)
	defer t.Stop()
	select {
	case ch <- evt:
	case <-t.C:
	}
}

// Broker is the in-process EventBroker. Slow subscribers drop progress events
// rather than block the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan jobs.Event]struct{} // jobID -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan jobs.Event]struct{}{}}
}

func (b *Broker) Subscribe(jobID string) chan jobs.Event {
	ch := make(chan jobs.Event, 32)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = map[chan jobs.Event]struct{}{}
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(jobID string, ch chan jobs.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[jobID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, jobID)
	}
	close(ch)
}

func (b *Broker) Publish(jobID string, evt jobs.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		deliver(ch, evt)
	}
}
