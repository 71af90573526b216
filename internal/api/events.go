package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/events"
)

const heartbeatInterval = 15 * time.Second

// Subscriber hands out live-update subscriptions
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// EventsHandler streams table changes as server-sent events
type EventsHandler struct {
	subs      Subscriber
	log       logrus.FieldLogger
	heartbeat time.Duration
}

// NewEventsHandler creates the SSE handler
func NewEventsHandler(subs Subscriber, log logrus.FieldLogger) *EventsHandler {
	return &EventsHandler{subs: subs, log: log, heartbeat: heartbeatInterval}
}

// Stream handles GET /api/events
// Optional table=incident_threads|incident_alerts narrows the stream.
// Each event is sent as "event: <table>.<op>" with the JSON event as data.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	table := r.URL.Query().Get("table")
	if table != "" && table != events.TableThreads && table != events.TableAlerts {
		writeError(w, http.StatusBadRequest, "unknown table", map[string]any{"table": table})
		return
	}

	ch, cancel := h.subs.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if table != "" && e.Table != table {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.log.WithError(err).WithField("key", e.Key).Warn("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s.%s\ndata: %s\n\n", e.Table, e.Op, data)
			flusher.Flush()
		}
	}
}
