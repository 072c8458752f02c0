// Package httpserver exposes the credential manager over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hwtrust/credman/api"
	"github.com/hwtrust/credman/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Manager is the slice of the credential manager the handler needs.
type Manager interface {
	AddCredential(ctx context.Context, params interfaces.AddCredentialParams) (interfaces.Label, error)
	CheckCredential(ctx context.Context, label interfaces.Label, leSecret []byte) ([]byte, error)
	RemoveCredential(ctx context.Context, label interfaces.Label) error
	Reset(ctx context.Context) error
	CredentialCount() uint64
	PendingCommits() int
	TreeShape() interfaces.TreeShape
}

// Handler processes HTTP requests for the credential manager service.
type Handler struct {
	manager Manager
	log     *slog.Logger
}

// NewHandler creates a request handler backed by the given manager.
func NewHandler(manager Manager, log *slog.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

// HandleAddCredential serves POST /api/v1/credentials.
func (h *Handler) HandleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req api.AddCredentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	label, err := h.manager.AddCredential(r.Context(), req.Params())
	if err != nil {
		h.writeCredentialError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.AddCredentialResponse{Label: uint64(label)})
}

// HandleCheckCredential serves POST /api/v1/credentials/{label}/check.
func (h *Handler) HandleCheckCredential(w http.ResponseWriter, r *http.Request) {
	label, err := labelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	var req api.CheckCredentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	heSecret, err := h.manager.CheckCredential(r.Context(), label, req.LeSecret)
	if err != nil {
		h.writeCredentialError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.CheckCredentialResponse{HeSecret: heSecret})
}

// HandleRemoveCredential serves DELETE /api/v1/credentials/{label}.
func (h *Handler) HandleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	label, err := labelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	if err := h.manager.RemoveCredential(r.Context(), label); err != nil {
		h.writeCredentialError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleReset serves POST /api/v1/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Reset(r.Context()); err != nil {
		h.writeCredentialError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus serves GET /api/v1/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	shape := h.manager.TreeShape()
	writeJSON(w, http.StatusOK, api.StatusResponse{
		CredentialCount: h.manager.CredentialCount(),
		PendingCommits:  h.manager.PendingCommits(),
		TreeHeight:      shape.Height,
		TreeFanout:      shape.Fanout,
	})
}

// writeCredentialError maps manager errors onto HTTP responses.
func (h *Handler) writeCredentialError(w http.ResponseWriter, err error) {
	var rateLimited *interfaces.RateLimitedError

	switch {
	case errors.As(err, &rateLimited):
		seconds := uint32(rateLimited.RetryAfter.Seconds() + 0.5)
		if seconds > 0 {
			w.Header().Set("Retry-After", strconv.FormatUint(uint64(seconds), 10))
		}
		writeJSONError(w, http.StatusTooManyRequests, api.ErrorResponse{
			Error:             err.Error(),
			Code:              "too_many_attempts",
			RetryAfterSeconds: seconds,
		})
	case errors.Is(err, interfaces.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "too_many_attempts", err)
	case errors.Is(err, interfaces.ErrInvalidSecret):
		writeError(w, http.StatusForbidden, "invalid_secret", err)
	case errors.Is(err, interfaces.ErrInvalidLabel):
		writeError(w, http.StatusNotFound, "invalid_label", err)
	case errors.Is(err, interfaces.ErrChipStateFailedToClear):
		writeError(w, http.StatusInternalServerError, "chip_state_failed_to_clear", err)
	case errors.Is(err, interfaces.ErrDiskStateFailedToClear):
		writeError(w, http.StatusInternalServerError, "disk_state_failed_to_clear", err)
	default:
		h.log.Error("Request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func labelParam(r *http.Request) (interfaces.Label, error) {
	raw := chi.URLParam(r, "label")
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid label %q: %w", raw, err)
	}
	return interfaces.Label(value), nil
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSONError(w, status, api.ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSONError(w http.ResponseWriter, status int, resp api.ErrorResponse) {
	writeJSON(w, status, resp)
}
