package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencivic/spendmatch/internal/runlog"
	"github.com/opencivic/spendmatch/internal/store"
)

// pingInterval keeps intermediaries from closing an idle stream.
const pingInterval = 15 * time.Second

// handleRunStream serves the run's log stream over SSE. A live run delivers
// replayed recent lines then new ones; a finished run is served entirely
// from the durable log and closed after the terminal event.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "connected", map[string]string{"run_id": runID, "status": string(run.Status)})
	flusher.Flush()

	if run.Terminal() {
		s.streamFromStore(w, r, runID, string(run.Status))
		flusher.Flush()
		return
	}

	events, cancel := s.broadcaster.Subscribe(runID)
	defer cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case runlog.EventLog:
				writeEvent(w, "log", ev.Entry)
			case runlog.EventComplete:
				writeEvent(w, "complete", map[string]string{"status": ev.Status})
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

// streamFromStore replays the full durable log for a finished run.
func (s *Server) streamFromStore(w http.ResponseWriter, r *http.Request, runID, status string) {
	const pageSize = 200
	offset := 0
	for {
		page, err := s.store.ListLogs(r.Context(), runID, pageSize, offset)
		if err != nil || len(page.Entries) == 0 {
			break
		}
		for i := range page.Entries {
			writeEvent(w, "log", &page.Entries[i])
		}
		offset += len(page.Entries)
		if offset >= page.Total {
			break
		}
	}
	writeEvent(w, "complete", map[string]string{"status": status})
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
