package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/store"
)

// eventPayload is the data of one SSE lifecycle event.
type eventPayload struct {
	ID            string    `json:"id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	At            time.Time `json:"at"`
	Result        *int32    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CallbackError string    `json:"callback_error,omitempty"`
}

func newEventPayload(ev offload.Event) eventPayload {
	return eventPayload{
		ID:            ev.ID,
		From:          ev.From,
		To:            ev.To,
		At:            ev.At,
		Result:        ev.Result,
		Error:         ev.Error,
		CallbackError: ev.CallbackError,
	}
}

// eventsRoute is the chi pattern of the lifecycle event stream.
const eventsRoute = "/v1/submissions/{id}/events"

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.journal.Lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("submission_id", id).Error("get submission for events")
		s.writeError(w, http.StatusInternalServerError, "failed to get submission")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A disposed submission has nothing left to stream.
	if model.IsTerminal(sub.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", sub.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.WithError(err).Error("set write deadline for SSE")
	}

	// Subscribing to a topic closed since the lookup yields a closed channel,
	// which ends the loop below at once.
	ch, unsub := s.journal.Broker().Subscribe(id)
	defer unsub()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", model.StatusDisposed)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(newEventPayload(ev))
			if err != nil {
				s.logger.WithError(err).Error("encode lifecycle event")
				return
			}
			if err := writeSSEEvent(w, ev.To, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes an SSE data event. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
