package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/dispatch-relay/internal/channel/channeltest"
	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *realtime.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, realtime.NewRedisStore(client)
}

type failingRealtime struct{ err error }

func (f failingRealtime) Write(context.Context, events.Envelope) error { return f.err }

type parker struct {
	mu     sync.Mutex
	parked []events.Envelope
	err    error
}

func (p *parker) Park(_ context.Context, env events.Envelope, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.parked = append(p.parked, env)
	return nil
}

func TestPublishWritesBothTargets(t *testing.T) {
	mr, store := setupTestStore(t)
	ch := &channeltest.Recorder{}
	reg := prometheus.NewRegistry()
	pub := publisher.New(store, ch, publisher.WithMetrics(reg))

	res, err := pub.Publish(context.Background(), "tenant-1", events.TypeProcess, "status_changed",
		map[string]string{"processId": "p1", "status": "done"}, publisher.WithUserID("u1"))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Empty(t, res.Warnings())

	env := res.Envelope
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "u1", env.UserID)
	assert.True(t, mr.Exists("tenants/tenant-1/events/process"))
	assert.NotEmpty(t, mr.HGet("tenants/tenant-1/events/process", env.ID))

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tenant-1", msgs[0].Attributes[events.AttrTenantID])
	assert.Equal(t, "process", msgs[0].Attributes[events.AttrEventType])
	body, err := events.Unmarshal(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, env, body)

	const want = `
# HELP publish_branch_total Publisher writes by branch (realtime, channel) and outcome.
# TYPE publish_branch_total counter
publish_branch_total{branch="channel",outcome="ok"} 1
publish_branch_total{branch="realtime",outcome="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "publish_branch_total"))
}

func TestPublishDistinctIDs(t *testing.T) {
	_, store := setupTestStore(t)
	pub := publisher.New(store, &channeltest.Recorder{})

	a, err := pub.Publish(context.Background(), "t", events.TypeSystem, "ping", nil)
	require.NoError(t, err)
	b, err := pub.Publish(context.Background(), "t", events.TypeSystem, "ping", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Envelope.ID, b.Envelope.ID)
}

func TestPublishCallerSuppliedID(t *testing.T) {
	mr, store := setupTestStore(t)
	pub := publisher.New(store, &channeltest.Recorder{})

	res, err := pub.Publish(context.Background(), "t", events.TypeClient, "created", nil, publisher.WithEventID("evt-42"))
	require.NoError(t, err)
	assert.Equal(t, "evt-42", res.Envelope.ID)
	assert.NotEmpty(t, mr.HGet("tenants/t/events/client", "evt-42"))
}

func TestPublishConstructionErrors(t *testing.T) {
	_, store := setupTestStore(t)
	ch := &channeltest.Recorder{}
	pub := publisher.New(store, ch)

	_, err := pub.Publish(context.Background(), "", events.TypeProcess, "created", nil)
	assert.ErrorIs(t, err, events.ErrMissingTenant)

	_, err = pub.Publish(context.Background(), "t", "", "created", nil)
	assert.ErrorIs(t, err, events.ErrMissingType)

	_, err = pub.Publish(context.Background(), "t", events.TypeProcess, "created", json.RawMessage(`{broken`))
	assert.Error(t, err)

	assert.Empty(t, ch.Messages())
}

func TestPublishRealtimeFailureIsAWarning(t *testing.T) {
	ch := &channeltest.Recorder{}
	pub := publisher.New(failingRealtime{err: errors.New("redis down")}, ch)

	res, err := pub.Publish(context.Background(), "t", events.TypeProcess, "created", nil)
	require.NoError(t, err)

	assert.Error(t, res.RealtimeErr)
	assert.NoError(t, res.ChannelErr)
	assert.Len(t, ch.Messages(), 1, "channel branch must not be cancelled by the realtime failure")
	assert.Equal(t, []string{"realtime write failed"}, res.Warnings())
}

func TestPublishChannelFailureIsParked(t *testing.T) {
	mr, store := setupTestStore(t)
	ch := &channeltest.Recorder{}
	ch.FailWith(errors.New("broker unreachable"))
	pk := &parker{}
	pub := publisher.New(store, ch, publisher.WithParker(pk))

	res, err := pub.Publish(context.Background(), "t", events.TypeNotification, "sent", nil)
	require.NoError(t, err)

	assert.NoError(t, res.RealtimeErr)
	assert.Error(t, res.ChannelErr)
	assert.True(t, res.Parked)
	assert.Equal(t, []string{"durable publish deferred"}, res.Warnings())
	require.Len(t, pk.parked, 1)
	assert.Equal(t, res.Envelope.ID, pk.parked[0].ID)
	assert.NotEmpty(t, mr.HGet("tenants/t/events/notification", res.Envelope.ID))
}

func TestPublishParkFailure(t *testing.T) {
	_, store := setupTestStore(t)
	ch := &channeltest.Recorder{}
	ch.FailWith(errors.New("broker unreachable"))
	pub := publisher.New(store, ch, publisher.WithParker(&parker{err: errors.New("db down")}))

	res, err := pub.Publish(context.Background(), "t", events.TypeProcess, "created", nil)
	require.NoError(t, err)
	assert.False(t, res.Parked)
	assert.Equal(t, []string{"durable publish failed"}, res.Warnings())
	assert.ErrorContains(t, res.Err(), "channel: broker unreachable")
}

func TestPublishReachesOnlyTenantListeners(t *testing.T) {
	_, store := setupTestStore(t)
	pub := publisher.New(store, &channeltest.Recorder{})
	l := listener.New(store)

	got1 := make(chan events.Envelope, 4)
	got2 := make(chan events.Envelope, 4)
	sub1, err := l.Subscribe(context.Background(), "tenant-1", events.TypeProcess, func(e events.Envelope) { got1 <- e })
	require.NoError(t, err)
	t.Cleanup(sub1.Unsubscribe)
	sub2, err := l.Subscribe(context.Background(), "tenant-2", events.TypeProcess, func(e events.Envelope) { got2 <- e })
	require.NoError(t, err)
	t.Cleanup(sub2.Unsubscribe)

	res, err := pub.Publish(context.Background(), "tenant-1", events.TypeProcess, "status_changed",
		map[string]string{"processId": "p1"})
	require.NoError(t, err)

	select {
	case e := <-got1:
		assert.Equal(t, res.Envelope, e)
	case <-time.After(2 * time.Second):
		t.Fatal("tenant-1 listener got no callback")
	}

	select {
	case e := <-got1:
		t.Fatalf("unexpected second callback %s", e.ID)
	case e := <-got2:
		t.Fatalf("tenant-2 listener got %s", e.ID)
	case <-time.After(200 * time.Millisecond):
	}
}
