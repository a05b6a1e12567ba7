// Package stream exposes the realtime listener to browsers over a websocket.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/shared/auth"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

const (
	Route = "GET /ws/events"

	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

type Handler struct {
	Log      *slog.Logger
	Listener *listener.Listener
	Auth     func(http.Handler) http.Handler
	// PingInterval defaults to 30s. The peer must answer within twice that.
	PingInterval time.Duration
	Upgrader     websocket.Upgrader
}

func (h *Handler) Register(mux *http.ServeMux) {
	var next http.Handler = http.HandlerFunc(h.Serve)
	if h.Auth != nil {
		next = h.Auth(next)
	}
	mux.Handle(Route, httpx.WithRoute(Route, next))
}

// ParseTypes reads a comma separated type list. Empty means every type.
func ParseTypes(raw string) ([]events.Type, error) {
	if strings.TrimSpace(raw) == "" {
		return events.Types, nil
	}
	var out []events.Type
	seen := map[events.Type]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, err := events.ParseType(part)
		if err != nil {
			return nil, err
		}
		if !seen[typ] {
			seen[typ] = true
			out = append(out, typ)
		}
	}
	if len(out) == 0 {
		return events.Types, nil
	}
	return out, nil
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok || p.TenantID == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing principal")
		return
	}
	types, err := ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	wc, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.Log.Warn("ws_upgrade_failed", logger.Err(err))
		return
	}
	log := h.Log.With(logger.Tenant(p.TenantID), slog.String("user_id", p.UserID))

	// The request context ends with the handler, not with the socket.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan events.Envelope, sendBuffer)
	deliver := func(env events.Envelope) {
		select {
		case send <- env:
		case <-ctx.Done():
		}
	}

	subs := make([]*listener.Subscription, 0, len(types))
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, typ := range types {
		s, err := h.Listener.Subscribe(ctx, p.TenantID, typ, deliver)
		if err != nil {
			log.Error("ws_subscribe_failed", logger.EventType(string(typ)), logger.Err(err))
			_ = wc.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(writeTimeout))
			_ = wc.Close()
			return
		}
		subs = append(subs, s)
	}

	interval := h.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log.Info("ws_open", slog.Int("types", len(types)))
	go h.read(wc, cancel, 2*interval)
	h.write(ctx, wc, send, interval)
	log.Info("ws_closed")
}

// read drains the peer until it goes away. Client messages are ignored.
func (h *Handler) read(wc *websocket.Conn, cancel context.CancelFunc, wait time.Duration) {
	defer cancel()
	_ = wc.SetReadDeadline(time.Now().Add(wait))
	wc.SetPongHandler(func(string) error {
		return wc.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := wc.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Log.Debug("ws_read_failed", logger.Err(err))
			}
			return
		}
	}
}

func (h *Handler) write(ctx context.Context, wc *websocket.Conn, send <-chan events.Envelope, interval time.Duration) {
	defer func() { _ = wc.Close() }()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-send:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteJSON(env); err != nil {
				return
			}
		case <-t.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
