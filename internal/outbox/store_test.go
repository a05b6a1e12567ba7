package outbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/dispatch-relay/internal/outbox"
	"github.com/k1networth/dispatch-relay/internal/shared/db/dbtest"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

func TestStoreLifecycle(t *testing.T) {
	store := outbox.NewStore(dbtest.Postgres(t))
	ctx := context.Background()

	env, err := events.New("tenant-1", events.TypeClient, "created", json.RawMessage(`{"clientId":"c1"}`))
	require.NoError(t, err)

	inserted, err := store.Enqueue(ctx, env, "broker down")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Enqueue(ctx, env, "broker down")
	require.NoError(t, err)
	assert.False(t, inserted, "same event id must be parked once")

	recs, err := store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Attempts)

	got, err := recs[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.JSONEq(t, string(env.Data), string(got.Data))

	again, err := store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed rows are not claimed twice")

	require.NoError(t, store.MarkFailed(ctx, recs[0].ID, time.Now().Add(-time.Second), "still down"))
	recs, err = store.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)

	require.NoError(t, store.MarkSent(ctx, recs[0].ID))
	status, attempts, err := store.Status(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, status)
	assert.Equal(t, 2, attempts)

	lag, err := store.LagSeconds(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag)
}

func TestStoreResetStuckAndDead(t *testing.T) {
	store := outbox.NewStore(dbtest.Postgres(t))
	ctx := context.Background()

	env, err := events.New("tenant-1", events.TypeProcess, "created", nil)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, env, "")
	require.NoError(t, err)

	recs, err := store.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	time.Sleep(20 * time.Millisecond)
	n, err := store.ResetStuck(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err = store.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, store.MarkDead(ctx, recs[0].ID, "gave up"))

	status, _, err := store.Status(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDead, status)
}
