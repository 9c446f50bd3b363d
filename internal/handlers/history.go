package handlers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Brownie44l1/densfw/internal/history"
	"github.com/Brownie44l1/densfw/internal/vault"
)

// HistoryReader reads past scan runs and the vault ledger.
// *history.Repository implements it.
type HistoryReader interface {
	RecentScans(ctx context.Context, limit int) ([]history.ScanRun, error)
	FindScan(ctx context.Context, id string) (history.ScanRun, error)
	VaultEntries(ctx context.Context) ([]vault.Entry, error)
}

// VaultFiles opens files stored in the secure folder. *vault.Vault
// implements it.
type VaultFiles interface {
	Open(name string) (*os.File, error)
}

type vaultEntryResponse struct {
	AssetID      string    `json:"asset_id"`
	OriginalName string    `json:"original_name"`
	StoredName   string    `json:"stored_name"`
	Size         int64     `json:"size"`
	MovedAt      time.Time `json:"moved_at"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []history.ScanRun{})
		return
	}

	limit := history.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.history.RecentScans(r.Context(), limit)
	if err != nil {
		slog.Error("handlers: failed to read history", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) ScanRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	run, err := h.history.FindScan(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		slog.Error("handlers: failed to read scan run", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListVault lists the secure folder ledger, newest first.
func (h *Handler) ListVault(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []vaultEntryResponse{})
		return
	}

	entries, err := h.history.VaultEntries(r.Context())
	if err != nil {
		slog.Error("handlers: failed to read vault ledger", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to read vault ledger")
		return
	}

	resp := make([]vaultEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = vaultEntryResponse{
			AssetID:      e.AssetID,
			OriginalName: e.OriginalName,
			StoredName:   e.StoredName,
			Size:         e.Size,
			MovedAt:      e.MovedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// VaultFile serves one stored file.
func (h *Handler) VaultFile(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		writeError(w, http.StatusNotFound, "no secure folder configured")
		return
	}

	f, err := h.vault.Open(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, vault.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		slog.Error("handlers: failed to open vault file", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
