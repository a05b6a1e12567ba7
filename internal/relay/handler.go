// Package relay is the webhook a push subscription on the durable channel
// calls for every delivery. It decodes the envelope and writes it into the
// realtime store by id, so redelivery of one message leaves one entry.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

const (
	Route        = "POST /webhooks/push"
	maxBodyBytes = 1 << 20

	// Body of the no-op acknowledgement for pushes without data.
	statusNoData = "sem dados"
)

type Writer interface {
	Write(ctx context.Context, env events.Envelope) error
}

type Handler struct {
	store    Writer
	token    string
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	outcomes *prometheus.CounterVec
}

type Option func(*Handler)

// WithToken requires every request to carry ?token=<token>. Empty disables
// the check.
func WithToken(token string) Option { return func(h *Handler) { h.token = token } }

func WithLogger(log *slog.Logger) Option { return func(h *Handler) { h.log = log } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func WithIDs(newID func() string) Option { return func(h *Handler) { h.newID = newID } }

func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Handler) {
		h.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay webhook invocations by outcome.",
		}, []string{"outcome"})
		reg.MustRegister(h.outcomes)
	}
}

func NewHandler(store Writer, opts ...Option) *Handler {
	h := &Handler{
		store: store,
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
		newID: events.NewID,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(mux *http.ServeMux) {
	httpx.Handle(mux, Route, h.ServeHTTP)
}

type successResponse struct {
	Success bool `json:"success"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.log.Warn("relay_unauthorized", slog.String("remote_addr", r.RemoteAddr))
			h.reply(w, "unauthorized", http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
	}

	var req events.PushRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.reply(w, "bad_request", http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
			return
		}
		h.log.Warn("relay_bad_body", logger.Err(err))
		h.reply(w, "bad_request", http.StatusBadRequest, errorResponse{Error: "invalid push body"})
		return
	}

	if req.Message == nil || req.Message.Data == "" {
		h.reply(w, "noop", http.StatusOK, statusResponse{Status: statusNoData})
		return
	}

	env, err := Normalize(*req.Message, h.now(), h.newID)
	if err != nil {
		h.log.Warn("relay_rejected",
			slog.String("message_id", req.Message.MessageID),
			slog.String("subscription", req.Subscription),
			logger.Err(err))
		h.reply(w, "bad_request", http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	log := h.log.With(logger.Tenant(env.TenantID), logger.EventID(env.ID), logger.EventType(string(env.Type)))
	if err := h.store.Write(r.Context(), env); err != nil {
		log.Error("relay_forward_failed", logger.Err(err))
		h.reply(w, "store_failed", http.StatusInternalServerError, errorResponse{Error: "realtime write failed"})
		return
	}

	log.Info("relay_forwarded", logger.Action(env.Action))
	h.reply(w, "ok", http.StatusOK, successResponse{Success: true})
}

func (h *Handler) reply(w http.ResponseWriter, outcome string, status int, body any) {
	if h.outcomes != nil {
		h.outcomes.WithLabelValues(outcome).Inc()
	}
	httpx.WriteJSON(w, status, body)
}
