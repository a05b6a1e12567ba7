// Package process is the write path that feeds the relay: a small,
// tenant-scoped process API whose committed mutations are announced as
// events.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/shared/auth"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

// HeaderEventWarning carries publish failures back to the caller. The
// mutation itself has already succeeded when it is set.
const HeaderEventWarning = "X-Event-Warning"

type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, typ events.Type, action string, data any, opts ...publisher.PublishOption) (publisher.Result, error)
}

type Handler struct {
	Log    *slog.Logger
	Store  Store
	Events EventPublisher
	// Auth resolves the principal. Every route is behind it.
	Auth func(http.Handler) http.Handler
	Now  func() time.Time
}

func (h *Handler) Register(mux *http.ServeMux) {
	h.route(mux, "POST /processes", h.CreateProcess)
	h.route(mux, "GET /processes/{id}", h.GetProcess)
	h.route(mux, "PATCH /processes/{id}/status", h.UpdateStatus)
	h.route(mux, "POST /clients", h.CreateClient)
	h.route(mux, "POST /notifications", h.SendNotification)
}

func (h *Handler) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var next http.Handler = fn
	if h.Auth != nil {
		next = h.Auth(next)
	}
	mux.Handle(pattern, httpx.WithRoute(pattern, next))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) CreateProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CreateProcessRequest
	if !decode(w, r, &req) {
		return
	}

	now := h.now()
	created, err := h.Store.Create(r.Context(), Process{
		TenantID:     p.TenantID,
		Plate:        strings.ToUpper(strings.TrimSpace(req.Plate)),
		Service:      strings.TrimSpace(req.Service),
		CustomerName: strings.TrimSpace(req.CustomerName),
		Status:       StatusOpen,
		CreatedBy:    p.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		h.Log.Error("process_create_failed", logger.Tenant(p.TenantID), logger.Err(err))
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	h.announce(w, r, p, events.TypeProcess, "created", map[string]any{
		"processId": created.ID,
		"plate":     created.Plate,
		"service":   created.Service,
		"status":    created.Status,
	})
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	proc, err := h.Store.Get(r.Context(), p.TenantID, id)
	if err != nil {
		h.storeError(w, r, "process_get_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, proc)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	before, err := h.Store.Get(r.Context(), p.TenantID, id)
	if err != nil {
		h.storeError(w, r, "process_get_failed", err)
		return
	}
	updated, err := h.Store.UpdateStatus(r.Context(), p.TenantID, id, req.Status, h.now())
	if err != nil {
		h.storeError(w, r, "process_update_failed", err)
		return
	}

	h.announce(w, r, p, events.TypeProcess, "status_changed", map[string]any{
		"processId": updated.ID,
		"from":      before.Status,
		"status":    updated.Status,
	})
	httpx.WriteJSON(w, http.StatusOK, updated)
}

type accepted struct {
	ID      string `json:"id"`
	EventID string `json:"eventId,omitempty"`
}

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CreateClientRequest
	if !decode(w, r, &req) {
		return
	}

	id := events.NewID()
	eventID := h.announce(w, r, p, events.TypeClient, "created", map[string]any{
		"clientId": id,
		"name":     strings.TrimSpace(req.Name),
	})
	httpx.WriteJSON(w, http.StatusAccepted, accepted{ID: id, EventID: eventID})
}

func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req SendNotificationRequest
	if !decode(w, r, &req) {
		return
	}

	id := events.NewID()
	eventID := h.announce(w, r, p, events.TypeNotification, "sent", map[string]any{
		"notificationId": id,
		"title":          strings.TrimSpace(req.Title),
		"body":           req.Body,
		"recipient":      strings.TrimSpace(req.Recipient),
	})
	httpx.WriteJSON(w, http.StatusAccepted, accepted{ID: id, EventID: eventID})
}

// announce publishes after the mutation committed. Failures only become
// warning headers; it must run before the response status is written.
func (h *Handler) announce(w http.ResponseWriter, r *http.Request, p auth.Principal, typ events.Type, action string, data any) string {
	res, err := h.Events.Publish(r.Context(), p.TenantID, typ, action, data, publisher.WithUserID(p.UserID))
	if err != nil {
		h.Log.Error("event_build_failed", logger.Tenant(p.TenantID), logger.EventType(string(typ)), logger.Err(err))
		w.Header().Add(HeaderEventWarning, "event not published")
		return ""
	}
	for _, warn := range res.Warnings() {
		w.Header().Add(HeaderEventWarning, warn)
	}
	return res.Envelope.ID
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	h.Log.Error(msg, logger.Err(err))
	httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok || p.TenantID == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing principal")
		return auth.Principal{}, false
	}
	return p, true
}

type validator interface{ Validate() error }

func decode(w http.ResponseWriter, r *http.Request, v validator) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", msg)
		return false
	}
	if dec.More() {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "invalid json")
		return false
	}
	if err := v.Validate(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}
