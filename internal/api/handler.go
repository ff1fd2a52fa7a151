package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// Notifier is the part of the pipeline the HTTP surface drives.
type Notifier interface {
	Submit(ctx context.Context, rec *notification.Record) (string, error)
	QueryStatus(ctx context.Context, id string) (notification.Status, error)
	Get(ctx context.Context, id string) (*notification.Record, error)
	HealthCheck(ctx context.Context) pipeline.Health
}

// HistoryReader lists archived lifecycle events for a notification.
type HistoryReader interface {
	List(ctx context.Context, notificationID string) ([]*db.Entry, error)
	Health(ctx context.Context) error
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	ID        string                `json:"id,omitempty"`
	Type      string                `json:"type"`
	Payload   json.RawMessage       `json:"payload"`
	Priority  notification.Priority `json:"priority,omitempty"`
	Recipient string                `json:"recipient"`
}

// NotificationResponse is returned after accepting a notification
type NotificationResponse struct {
	ID string `json:"id"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	ID     string              `json:"id"`
	Status notification.Status `json:"status"`
}

// HealthResponse summarises the gateway's dependencies.
type HealthResponse struct {
	Status     string           `json:"status"`
	Components HealthComponents `json:"components"`
}

// HealthComponents is the per-dependency breakdown of a health check.
type HealthComponents struct {
	Redis   string               `json:"redis"`
	API     string               `json:"api"`
	Breaker circuitbreaker.Stats `json:"breaker"`
	Queue   any                  `json:"queue,omitempty"`
	Events  pipeline.EventStats  `json:"events"`
	History string               `json:"history,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	notifier Notifier
	history  HistoryReader // nil when the archive is disabled
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(logger *zap.Logger, notifier Notifier, history HistoryReader) *Handler {
	return &Handler{
		logger:   logger,
		notifier: notifier,
		history:  history,
	}
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	rec := &notification.Record{
		ID:        req.ID,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Recipient: req.Recipient,
	}

	id, err := h.notifier.Submit(ctx, rec)
	if err != nil {
		h.logger.Warn("submit rejected",
			zap.Error(err),
			zap.String("type", req.Type),
		)
		h.writeServiceError(w, err, "Failed to accept notification")
		return
	}

	h.writeJSON(w, http.StatusAccepted, NotificationResponse{ID: id})
}

// GetStatus handles GET /v1/notifications/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.notifier.QueryStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to read notification status")
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{ID: id, Status: status})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.notifier.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to read notification")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// ListEvents handles GET /v1/notifications/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "History archive disabled", "")
		return
	}

	id := chi.URLParam(r, "id")
	entries, err := h.history.List(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list notification events",
			zap.Error(err),
			zap.String("notification_id", id),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notification events", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"count": len(entries),
	})
}

// Health handles GET /health. It always answers 200; the body reports
// "degraded" when any dependency is impaired.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	hc := h.notifier.HealthCheck(r.Context())

	resp := HealthResponse{
		Status: "healthy",
		Components: HealthComponents{
			Redis:   "connected",
			API:     "ok",
			Breaker: hc.Breaker,
			Events:  hc.Events,
		},
	}
	if hc.Queue != nil {
		resp.Components.Queue = hc.Queue
	}

	if !hc.Connected {
		resp.Status = "degraded"
		resp.Components.Redis = "disconnected"
	}
	if hc.Breaker.State != circuitbreaker.StateClosed.String() {
		resp.Status = "degraded"
	}
	if h.history != nil {
		resp.Components.History = "ok"
		if err := h.history.Health(r.Context()); err != nil {
			h.logger.Warn("history archive unreachable", zap.Error(err))
			resp.Components.History = "unreachable"
			resp.Status = "degraded"
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, notification.ErrInvalidRecord):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
	case errors.Is(err, notification.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notification.ErrNotConnected), errors.Is(err, notification.ErrQueueUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Store unavailable", err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
