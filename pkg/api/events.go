package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/go-chi/chi/v5"
)

const eventKeepAlive = 15 * time.Second

// handleRunEvents streams status events of a run as server-sent events. The
// current status is sent first; the stream ends after a terminal event.
func (s *server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"control plane not configured"})

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"streaming unsupported"})

		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")

	// Subscribe before reading the run so no transition is missed between
	// the two.
	sub, err := s.deps.Bus.SubscribeStatus(ctx, id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	defer func() { _ = sub.Close() }()

	run, err := s.deps.Sink.GetRun(ctx, id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := testrun.StatusEvent{
		RunID:     run.ID,
		Status:    run.Status,
		Reason:    run.Reason,
		Progress:  run.Progress(),
		Timestamp: run.UpdatedAt,
	}

	if err := writeEvent(w, current); err != nil {
		return
	}

	flusher.Flush()

	if run.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}

			if err := writeEvent(w, ev); err != nil {
				return
			}

			flusher.Flush()

			if ev.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev testrun.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)

	return err
}
