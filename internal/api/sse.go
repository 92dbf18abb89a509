package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/reelpair/reelpair/internal/job"
)

// ssePollInterval re-reads the durable record for jobs rendered by another
// process, which never reach this process's subscribers.
const ssePollInterval = 2 * time.Second

// StreamSSE handles GET /api/v1/jobs/{id}/events.
// It streams server-sent events for the job until it completes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := mux.Vars(r)["id"]

	// Subscribe before reading the state so a terminal event cannot slip
	// between the two.
	ch := h.svc.Subscribe(id)
	defer h.svc.Unsubscribe(id, ch)

	j, err := h.svc.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j.Public())
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", map[string]any{"status": j.Status, "message": j.Message})
	last := j.Progress

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()
	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-ticker.C:
			j, err := h.svc.Status(r.Context(), id)
			if err != nil {
				return
			}
			if j.Status.IsTerminal() {
				writeSSEEvent(w, flusher, "result", j.Public())
				return
			}
			if j.Status == job.StatusProcessing && j.Progress != last {
				last = j.Progress
				writeSSEEvent(w, flusher, "progress", map[string]any{"progress": j.Progress, "message": j.Message})
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
