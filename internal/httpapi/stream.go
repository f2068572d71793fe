package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"canonid.io/internal/audit"
	"canonid.io/internal/stream"
)

// AuditStream handles Server-Sent Events for sealed audit records.
func (a *API) AuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.feed.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// announce publishes a sealed record to the live feed.
func (a *API) announce(rec audit.Record) {
	a.feed.Publish(stream.SealedEvent{
		RecordID:    rec.ID,
		SubjectType: rec.SubjectType,
		SubjectID:   rec.SubjectID,
		Action:      string(rec.Action),
		Actor:       rec.Actor,
		RecordHash:  rec.RecordHash,
		SealedAt:    rec.SealedAt,
	})
}
