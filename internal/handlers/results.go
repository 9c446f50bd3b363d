package handlers

import (
	"encoding/json"
	"errors"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Brownie44l1/densfw/internal/scan"
)

const thumbnailQuality = 85

func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	items := h.results.Items()
	resp := make([]itemResponse, len(items))
	for i, item := range items {
		resp[i] = newItemResponse(i, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}

	item, err := h.results.Item(index)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if item.Thumbnail == nil {
		writeError(w, http.StatusNotFound, "thumbnail unavailable")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, item.Thumbnail, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		slog.Error("handlers: failed to encode thumbnail", "index", index, "error", err.Error())
	}
}

func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}

	item, err := h.results.Toggle(index)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(index, item))
}

func (h *Handler) SelectAll(w http.ResponseWriter, r *http.Request) {
	h.results.SelectAll()
	writeJSON(w, http.StatusOK, map[string]int{"selected": len(h.results.Selected())})
}

func (h *Handler) DeselectAll(w http.ResponseWriter, r *http.Request) {
	h.results.DeselectAll()
	writeJSON(w, http.StatusOK, map[string]int{"selected": 0})
}

func (h *Handler) ListSelected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.indexed(h.results.Selected()))
}

// Duplicates groups near-identical matches. The optional "distance" query
// parameter overrides the Hamming threshold.
func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	distance := scan.DefaultDuplicateDistance
	if v := r.URL.Query().Get("distance"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "distance must be a non-negative integer")
			return
		}
		distance = d
	}

	groups := h.results.Duplicates(distance)
	resp := make([][]itemResponse, len(groups))
	for i, group := range groups {
		resp[i] = h.indexed(group)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	items, ok := h.targets(w, r)
	if !ok {
		return
	}

	if err := h.results.Delete(r.Context(), items); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(items), "remaining": h.results.Len()})
}

// Move writes the targeted items to the secure location. A partial failure
// answers 207 with the per-item report.
func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	items, ok := h.targets(w, r)
	if !ok {
		return
	}

	report, err := h.results.MoveToSecureLocation(r.Context(), items)
	status := http.StatusOK
	switch {
	case err == nil:
	case len(report.Moved) > 0:
		status = http.StatusMultiStatus
	default:
		status = statusFor(err)
	}

	resp := struct {
		scan.MoveReport
		Error string `json:"error,omitempty"`
	}{MoveReport: report}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// targets resolves the request body's ids, or the current selection when the
// body is empty or lists none.
func (h *Handler) targets(w http.ResponseWriter, r *http.Request) ([]scan.ScanItem, bool) {
	var req idsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}

	if len(req.IDs) == 0 {
		return h.results.Selected(), true
	}
	items, err := h.results.Lookup(req.IDs)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return items, true
}

// indexed attaches current store positions to items.
func (h *Handler) indexed(items []scan.ScanItem) []itemResponse {
	positions := make(map[string]int)
	for i, item := range h.results.Items() {
		positions[item.Asset.ID] = i
	}

	resp := make([]itemResponse, len(items))
	for i, item := range items {
		resp[i] = newItemResponse(positions[item.Asset.ID], item)
	}
	return resp
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return 0, false
	}
	return index, true
}
