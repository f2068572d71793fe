package stream

import (
	"context"
	"sync"
	"time"

	"canonid.io/internal/audit"
)

// SealedEvent is the notification emitted whenever an audit record is sealed.
// It carries the chain coordinates, not the full payload: consumers fetch the
// record through the audit API if they need it.
type SealedEvent struct {
	RecordID    string    `json:"record_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	RecordHash  string    `json:"record_hash"`
	SealedAt    time.Time `json:"sealed_at"`
}

// Feed fan-outs sealed-record events to all active subscribers (SSE clients,
// compliance watchers). Slow subscribers drop events rather than block the
// sealing path.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan SealedEvent
	next int
}

// New initialises an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[int]chan SealedEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan SealedEvent {
	ch := make(chan SealedEvent, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (f *Feed) Publish(evt SealedEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// RecordNotifier adapts the feed into a sealed-record callback suitable for
// the directory service and merge engine notifier hooks.
func (f *Feed) RecordNotifier() func(rec audit.Record) {
	return func(rec audit.Record) {
		f.Publish(SealedEvent{
			RecordID:    rec.ID,
			SubjectType: rec.SubjectType,
			SubjectID:   rec.SubjectID,
			Action:      string(rec.Action),
			Actor:       rec.Actor,
			RecordHash:  rec.RecordHash,
			SealedAt:    rec.SealedAt,
		})
	}
}

// Subscribers reports the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
