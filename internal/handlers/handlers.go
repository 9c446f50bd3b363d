package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"

	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/densfw/internal/model"
	"github.com/Brownie44l1/densfw/internal/scan"
)

const maxUploadSize = 10 << 20

// ModelStatus reports the inference backend lifecycle. *model.Server
// implements it.
type ModelStatus interface {
	State() model.State
	Loaded() bool
	Err() error
}

// Deps are the components served over HTTP. History and Vault may be nil.
type Deps struct {
	Model      ModelStatus
	Metadata   model.Metadata
	Classifier *model.Classifier
	Scanner    *scan.Orchestrator
	Results    *scan.ResultStore
	Events     *scan.Broadcaster
	History    HistoryReader
	Vault      VaultFiles
}

type Handler struct {
	status     ModelStatus
	meta       model.Metadata
	classifier *model.Classifier
	scanner    *scan.Orchestrator
	results    *scan.ResultStore
	events     *scan.Broadcaster
	history    HistoryReader
	vault      VaultFiles
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		status:     d.Model,
		meta:       d.Metadata,
		classifier: d.Classifier,
		scanner:    d.Scanner,
		results:    d.Results,
		events:     d.Events,
		history:    d.History,
		vault:      d.Vault,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"model":  string(h.status.State()),
		"ready":  h.status.Loaded(),
	}
	if err := h.status.Err(); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Predict classifies a raw, already preprocessed tensor.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req model.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Image) != model.TensorLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("expected %d values, got %d", model.TensorLen, len(req.Image)))
		return
	}

	b, err := h.classifier.Explain(r.Context(), req.Image)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b.Response(h.meta))
}

// PredictFromImage classifies an uploaded image sent as the "image" form field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image format, supported: JPEG, PNG, GIF, WebP")
		return
	}

	slog.Debug("handlers: image received",
		"filename", header.Filename,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	b, err := h.classifier.ExplainImage(r.Context(), img)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b.Response(h.meta))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, scan.ErrAlreadyRunning), errors.Is(err, scan.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, scan.ErrIndexOutOfRange), errors.Is(err, scan.ErrUnknownItem):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrDeletionFailed), errors.Is(err, scan.ErrMoveFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("handlers: failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
