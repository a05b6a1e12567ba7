package events_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	env, err := events.New("tenant-1", events.TypeProcess, "created", json.RawMessage(`{"processId":"p1"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.Equal(t, "tenants/tenant-1/events/process", env.Path())
	assert.Equal(t, "tenants/tenant-1/events/process/"+env.ID, env.EntryPath())
}

func TestNewKeepsCallerIDAndTimestamp(t *testing.T) {
	env, err := events.New("t", events.TypeClient, "created", nil,
		events.WithID("evt-1"), events.WithTimestamp(42), events.WithUserID("u-9"))
	require.NoError(t, err)

	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, int64(42), env.Timestamp)
	assert.Equal(t, "u-9", env.UserID)
}

func TestNewRepeatedCallsProduceDistinctIDs(t *testing.T) {
	a, err := events.New("t", events.TypeSystem, "ping", nil)
	require.NoError(t, err)
	b, err := events.New("t", events.TypeSystem, "ping", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, events.Same(a, b))
}

func TestNewRejectsBadScope(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		typ    events.Type
		want   error
	}{
		{"missing tenant", "", events.TypeProcess, events.ErrMissingTenant},
		{"slash in tenant", "a/b", events.TypeProcess, events.ErrInvalidTenant},
		{"missing type", "t", "", events.ErrMissingType},
		{"unknown type", "t", "invoice", events.ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := events.New(tt.tenant, tt.typ, "x", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseType(t *testing.T) {
	typ, err := events.ParseType(" Process ")
	require.NoError(t, err)
	assert.Equal(t, events.TypeProcess, typ)

	_, err = events.ParseType("")
	assert.ErrorIs(t, err, events.ErrMissingType)

	_, err = events.ParseType("ledger")
	assert.ErrorIs(t, err, events.ErrUnknownType)
}

func TestParsePath(t *testing.T) {
	tenant, typ, ok := events.ParsePath("tenants/acme/events/notification")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, events.TypeNotification, typ)

	for _, p := range []string{"tenants//events/process", "tenants/a/events/ledger", "foo/a/events/process", "tenants/a/events"} {
		_, _, ok := events.ParsePath(p)
		assert.False(t, ok, p)
	}
}

func TestValueRoundTrip(t *testing.T) {
	env, err := events.New("tenant-1", events.TypeProcess, "status_changed",
		json.RawMessage(`{"processId":"p1","status":"done"}`), events.WithUserID("u1"))
	require.NoError(t, err)

	b, err := events.EncodeValue(env.Value())
	require.NoError(t, err)
	v, err := events.DecodeValue(b)
	require.NoError(t, err)

	assert.Equal(t, env, events.FromValue(env.TenantID, env.Type, env.ID, v))
}

func TestValueOmitsEmptyUser(t *testing.T) {
	b, err := events.EncodeValue(events.Value{Action: "created", Timestamp: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"created","timestamp":1}`, string(b))
}

func TestMarshalData(t *testing.T) {
	raw, err := events.MarshalData(map[string]string{"processId": "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"processId":"p1"}`, string(raw))

	raw, err = events.MarshalData(json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(raw))

	raw, err = events.MarshalData(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = events.MarshalData([]byte(`{nope`))
	assert.Error(t, err)
}

func TestPushRequestEncodesBase64Body(t *testing.T) {
	env, err := events.New("tenant-1", events.TypeClient, "created", json.RawMessage(`{"name":"Ana"}`))
	require.NoError(t, err)
	body, err := env.Marshal()
	require.NoError(t, err)

	published := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := events.NewPushRequest("sub-1", "m-1", body, env.Attributes(), published)
	require.NotNil(t, req.Message)

	decoded, err := base64.StdEncoding.DecodeString(req.Message.Data)
	require.NoError(t, err)
	got, err := events.Unmarshal(decoded)
	require.NoError(t, err)

	assert.Equal(t, env, got)
	assert.Equal(t, "tenant-1", req.Message.Attributes[events.AttrTenantID])
	assert.Equal(t, "client", req.Message.Attributes[events.AttrEventType])
	assert.Equal(t, "2026-01-02T03:04:05Z", req.Message.PublishTime)
	assert.Equal(t, "sub-1", req.Subscription)
}
