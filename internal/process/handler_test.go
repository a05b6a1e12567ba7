package process_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/k1networth/dispatch-relay/internal/channel/channeltest"
	"github.com/k1networth/dispatch-relay/internal/process"
	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/auth"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

type testEnv struct {
	srv     *httptest.Server
	mr      *miniredis.Miniredis
	channel *channeltest.Recorder
	issuer  *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Discard()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ch := &channeltest.Recorder{}
	issuer := auth.NewIssuer("test-secret", time.Hour)
	h := &process.Handler{
		Log:    log,
		Store:  process.NewInMemoryStore(),
		Events: publisher.New(realtime.NewRedisStore(client), ch),
		Auth:   issuer.Middleware,
	}

	srv := httptest.NewServer(httpx.NewRouter(log, nil, h))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mr: mr, channel: ch, issuer: issuer}
}

func (e *testEnv) do(t *testing.T, tenant, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		tok, err := e.issuer.Issue(auth.Principal{TenantID: tenant, UserID: "agent-1"})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d, body=%s", want, resp.StatusCode, string(b))
	}
}

func createProcess(t *testing.T, e *testEnv, tenant string) process.Process {
	t.Helper()
	resp := e.do(t, tenant, http.MethodPost, "/processes", []byte(`{"plate":"abc1d23","service":"transfer","customerName":"Ana"}`))
	expectStatus(t, resp, http.StatusCreated)

	var got process.Process
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return got
}

func TestCreateProcess201(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "tenant-1", http.MethodPost, "/processes", []byte(`{"plate":"abc1d23","service":"transfer"}`))
	expectStatus(t, resp, http.StatusCreated)

	var got process.Process
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID == "" {
		t.Fatalf("expected id to be set")
	}
	if got.Plate != "ABC1D23" {
		t.Fatalf("expected plate %q, got %q", "ABC1D23", got.Plate)
	}
	if got.Status != process.StatusOpen {
		t.Fatalf("expected status %q, got %q", process.StatusOpen, got.Status)
	}
	if got.TenantID != "tenant-1" || got.CreatedBy != "agent-1" {
		t.Fatalf("expected principal on process, got tenant=%q user=%q", got.TenantID, got.CreatedBy)
	}
	if rid := resp.Header.Get("X-Request-Id"); rid == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
	if w := resp.Header.Get(process.HeaderEventWarning); w != "" {
		t.Fatalf("unexpected event warning %q", w)
	}

	msgs := e.channel.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 channel message, got %d", len(msgs))
	}
	env, err := events.Unmarshal(msgs[0].Data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.TenantID != "tenant-1" || env.Type != events.TypeProcess || env.Action != "created" || env.UserID != "agent-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if e.mr.HGet("tenants/tenant-1/events/process", env.ID) == "" {
		t.Fatalf("expected realtime entry for %s", env.ID)
	}
}

func TestCreateProcessValidation400(t *testing.T) {
	e := newTestEnv(t)

	for _, body := range []string{`{"plate":""}`, `{"plate":"x","service":"y","extra":1}`, ``} {
		resp := e.do(t, "tenant-1", http.MethodPost, "/processes", []byte(body))
		expectStatus(t, resp, http.StatusBadRequest)

		var er struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if er.Error.Code != "validation_error" {
			t.Fatalf("expected code %q, got %q", "validation_error", er.Error.Code)
		}
	}
	if n := len(e.channel.Messages()); n != 0 {
		t.Fatalf("rejected requests must not publish, got %d", n)
	}
}

func TestRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "", http.MethodPost, "/processes", []byte(`{"plate":"abc","service":"x"}`))
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestGetProcessIsTenantScoped(t *testing.T) {
	e := newTestEnv(t)
	created := createProcess(t, e, "tenant-1")

	resp := e.do(t, "tenant-1", http.MethodGet, "/processes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	var got process.Process
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected id %q, got %q", created.ID, got.ID)
	}

	resp = e.do(t, "tenant-2", http.MethodGet, "/processes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestUpdateStatusPublishes(t *testing.T) {
	e := newTestEnv(t)
	created := createProcess(t, e, "tenant-1")

	resp := e.do(t, "tenant-1", http.MethodPatch, "/processes/"+created.ID+"/status", []byte(`{"status":"done"}`))
	expectStatus(t, resp, http.StatusOK)

	msgs := e.channel.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 channel messages, got %d", len(msgs))
	}
	env, err := events.Unmarshal(msgs[1].Data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Action != "status_changed" {
		t.Fatalf("expected status_changed, got %q", env.Action)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["from"] != "open" || data["status"] != "done" || data["processId"] != created.ID {
		t.Fatalf("unexpected data %v", data)
	}

	resp = e.do(t, "tenant-1", http.MethodPatch, "/processes/"+created.ID+"/status", []byte(`{"status":"lost"}`))
	expectStatus(t, resp, http.StatusBadRequest)

	resp = e.do(t, "tenant-2", http.MethodPatch, "/processes/"+created.ID+"/status", []byte(`{"status":"done"}`))
	expectStatus(t, resp, http.StatusNotFound)
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	e := newTestEnv(t)
	e.channel.FailWith(errors.New("broker down"))

	resp := e.do(t, "tenant-1", http.MethodPost, "/processes", []byte(`{"plate":"abc1d23","service":"transfer"}`))
	expectStatus(t, resp, http.StatusCreated)

	if w := resp.Header.Get(process.HeaderEventWarning); w != "durable publish failed" {
		t.Fatalf("expected durable publish warning, got %q", w)
	}
}

func TestClientsAndNotificationsAreAnnounced(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "tenant-1", http.MethodPost, "/clients", []byte(`{"name":"Ana","document":"123"}`))
	expectStatus(t, resp, http.StatusAccepted)

	resp = e.do(t, "tenant-1", http.MethodPost, "/notifications", []byte(`{"title":"Documento pronto","body":"Retire amanha"}`))
	expectStatus(t, resp, http.StatusAccepted)

	resp = e.do(t, "tenant-1", http.MethodPost, "/clients", []byte(`{"name":"Ana"}`))
	expectStatus(t, resp, http.StatusBadRequest)

	msgs := e.channel.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 channel messages, got %d", len(msgs))
	}
	if msgs[0].Attributes[events.AttrEventType] != "client" || msgs[1].Attributes[events.AttrEventType] != "notification" {
		t.Fatalf("unexpected event types %v %v", msgs[0].Attributes, msgs[1].Attributes)
	}
}
