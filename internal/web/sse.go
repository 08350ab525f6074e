package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/photopick/photopick/internal/storage"
)

// handleEventStream streams job progress as server-sent events until the job
// reaches a terminal state or the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.events.Subscribe(job.Code)
	defer s.events.Unsubscribe(job.Code, ch)

	// Initial snapshot so late subscribers see the current state.
	sendSSEEvent(w, flusher, "status", toEventResponse(job))
	if job.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case progress, open := <-ch:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, "progress", progress)
			if progress.Status == storage.EventDone || progress.Status == storage.EventFailed {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
