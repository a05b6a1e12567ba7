package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/auth"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
	"github.com/k1networth/dispatch-relay/internal/stream"
)

type testEnv struct {
	srv    *httptest.Server
	store  *realtime.RedisStore
	issuer *auth.Issuer
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := realtime.NewRedisStore(client)
	issuer := auth.NewIssuer("test-secret", time.Hour)
	log := logger.Discard()
	h := &stream.Handler{
		Log:      log,
		Listener: listener.New(store),
		Auth:     issuer.Middleware,
	}
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(httpx.NewRouter(log, reg, h))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, issuer: issuer, reg: reg}
}

func (e *testEnv) url(t *testing.T, tenant, types string) string {
	t.Helper()
	tok, err := e.issuer.Issue(auth.Principal{TenantID: tenant, UserID: "u-1"})
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/events?access_token=" + tok
	if types != "" {
		u += "&types=" + types
	}
	return u
}

func (e *testEnv) write(t *testing.T, tenant string, typ events.Type, action string) events.Envelope {
	t.Helper()
	env, err := events.New(tenant, typ, action, []byte(`{"k":1}`))
	require.NoError(t, err)
	require.NoError(t, e.store.Write(context.Background(), env))
	return env
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wc, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = wc.Close() })
	return wc
}

func read(t *testing.T, wc *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, wc.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, wc.ReadJSON(&env))
	return env
}

func TestStreamDeliversTenantEvents(t *testing.T) {
	e := newTestEnv(t)
	wc := dial(t, e.url(t, "tenant-1", "process"))

	// Writes racing the subscription still arrive through the initial snapshot.
	e.write(t, "tenant-2", events.TypeProcess, "created")
	e.write(t, "tenant-1", events.TypeClient, "created")
	want := e.write(t, "tenant-1", events.TypeProcess, "created")

	got := read(t, wc)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, events.TypeProcess, got.Type)
	assert.JSONEq(t, `{"k":1}`, string(got.Data))

	require.NoError(t, wc.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := wc.ReadMessage()
	assert.Error(t, err, "no other tenant or type may be streamed")
}

func TestStreamRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamRejectsUnknownType(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.url(t, "tenant-1", "invoice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseTypes(t *testing.T) {
	all, err := stream.ParseTypes("")
	require.NoError(t, err)
	assert.Equal(t, events.Types, all)

	got, err := stream.ParseTypes(" process, CLIENT ,process,")
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypeProcess, events.TypeClient}, got)

	_, err = stream.ParseTypes("process,nope")
	assert.ErrorIs(t, err, events.ErrUnknownType)
}

func TestStreamSessionsAreGauged(t *testing.T) {
	e := newTestEnv(t)
	wc := dial(t, e.url(t, "tenant-1", ""))

	const open = `
# HELP http_websocket_sessions Websocket sessions currently open.
# TYPE http_websocket_sessions gauge
http_websocket_sessions{route="GET /ws/events"} 1
`
	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(open), "http_websocket_sessions"))

	require.NoError(t, wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = wc.Close()

	const closed = `
# HELP http_websocket_sessions Websocket sessions currently open.
# TYPE http_websocket_sessions gauge
http_websocket_sessions{route="GET /ws/events"} 0
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(e.reg, strings.NewReader(closed), "http_websocket_sessions") == nil
	}, 2*time.Second, 20*time.Millisecond)
}
