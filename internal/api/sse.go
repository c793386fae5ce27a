package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ensemble-ai/ensemble/internal/events"
)

// streamExecution writes an execution's event stream as SSE: first the
// snapshot of everything published so far, then the live tail until the
// terminal event or client disconnect.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	snapshot, tail := s.hub.Subscribe(executionID)
	defer s.hub.Unsubscribe(tail)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "execution_id", executionID)

	terminal := false
	for _, event := range snapshot {
		s.sendSSEEvent(w, flusher, event)
		if event.EventType() == events.TypeExecutionCompleted {
			terminal = true
		}
	}
	if terminal {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return
		case event, ok := <-tail:
			if !ok {
				return
			}
			s.sendSSEEvent(w, flusher, event)
			if event.EventType() == events.TypeExecutionCompleted {
				return
			}
		}
	}
}

// sendSSEEvent writes one event frame. Event structs are JSON-tagged;
// the frame name is the event type.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.EventType())
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
