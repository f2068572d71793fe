package stream

import (
	"context"
	"testing"
	"time"

	"canonid.io/internal/audit"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	feed := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := feed.Subscribe(ctx)
	if got := feed.Subscribers(); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	feed.Publish(SealedEvent{RecordID: "r-1", Action: "Created"})

	select {
	case evt := <-ch:
		if evt.RecordID != "r-1" || evt.Action != "Created" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for feed.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	feed := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := feed.Subscribe(ctx)

	// Overfill the buffer; Publish must return without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(ch)+10; i++ {
			feed.Publish(SealedEvent{RecordID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered != cap(ch) {
		t.Fatalf("delivered %d events, want buffer size %d", delivered, cap(ch))
	}
}

func TestRecordNotifierProjectsRecord(t *testing.T) {
	feed := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := feed.Subscribe(ctx)
	sealedAt := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	feed.RecordNotifier()(audit.Record{
		ID:          "rec-1",
		SubjectType: "identity",
		SubjectID:   "u-1",
		Action:      audit.ActionMerged,
		Actor:       "admin",
		RecordHash:  "abc123",
		SealedAt:    sealedAt,
	})

	select {
	case evt := <-ch:
		if evt.RecordID != "rec-1" || evt.SubjectID != "u-1" ||
			evt.Action != string(audit.ActionMerged) || evt.RecordHash != "abc123" ||
			!evt.SealedAt.Equal(sealedAt) {
			t.Fatalf("unexpected projection: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("notifier did not publish")
	}
}
