package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/densfw/internal/scan"
)

func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	snap, err := h.scanner.Start(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newSnapshotResponse(snap))
}

func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Cancel(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(h.scanner.Snapshot()))
}

func (h *Handler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSnapshotResponse(h.scanner.Snapshot()))
}

// ScanEvents streams the current session's events as Server-Sent Events. The
// stream opens with a snapshot and closes after that session's terminal event.
func (h *Handler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snap := h.scanner.Snapshot()
	writeEvent(w, "snapshot", newSnapshotResponse(snap))
	flusher.Flush()

	if snap.State != scan.StateRunning {
		return
	}

	clientGone := r.Context().Done()
	for {
		select {
		case ev := <-events:
			if eventSession(ev) != snap.ID {
				continue
			}
			switch ev.Type {
			case scan.EventProgress:
				p := progressEvent{Progress: *ev.Progress}
				if ev.Progress.Match != nil {
					item := newItemResponse(ev.Progress.Matches-1, *ev.Progress.Match)
					p.Match = &item
				}
				writeEvent(w, string(ev.Type), p)
			case scan.EventWarning:
				writeEvent(w, string(ev.Type), ev.Warning)
			case scan.EventFinished:
				writeEvent(w, string(ev.Type), finishedEvent{Finished: *ev.Finished, Matches: len(ev.Finished.Matches)})
				flusher.Flush()
				return
			}
			flusher.Flush()

		case <-clientGone:
			return
		}
	}
}

func eventSession(ev scan.Event) string {
	switch {
	case ev.Progress != nil:
		return ev.Progress.SessionID
	case ev.Warning != nil:
		return ev.Warning.SessionID
	case ev.Finished != nil:
		return ev.Finished.SessionID
	}
	return ""
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("handlers: failed to marshal event", "event", event, "error", err.Error())
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
