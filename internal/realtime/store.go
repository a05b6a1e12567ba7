// Package realtime is the keyed, push-subscribable store clients observe.
//
// Every collection path tenants/{tenant}/events/{type} is a Redis hash whose
// fields are event ids and whose values are JSON-encoded events.Value. Each
// write also publishes the event id on a channel named after the path, which
// is how watchers learn that the collection changed.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

var ErrClosed = errors.New("realtime: watch closed")

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

type Option func(*RedisStore)

// WithTTL refreshes an expiry on the collection key on every write. Zero
// disables expiry.
func WithTTL(d time.Duration) Option { return func(s *RedisStore) { s.ttl = d } }

func WithLogger(log *slog.Logger) Option { return func(s *RedisStore) { s.log = log } }

func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write stores env under its entry path, overwriting any previous value with
// the same id, and signals watchers of the collection. The hash write, expiry
// refresh and publish run in one MULTI/EXEC.
func (s *RedisStore) Write(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b, err := events.EncodeValue(env.Value())
	if err != nil {
		return err
	}

	key := env.Path()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, env.ID, b)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.Publish(ctx, key, env.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("realtime write %s: %w", env.EntryPath(), err)
	}
	return nil
}

// Get reads a single entry. The bool is false when the entry does not exist.
func (s *RedisStore) Get(ctx context.Context, tenantID string, typ events.Type, id string) (events.Envelope, bool, error) {
	if err := events.ValidateScope(tenantID, typ); err != nil {
		return events.Envelope{}, false, err
	}
	raw, err := s.client.HGet(ctx, events.Path(tenantID, typ), id).Result()
	if errors.Is(err, redis.Nil) {
		return events.Envelope{}, false, nil
	}
	if err != nil {
		return events.Envelope{}, false, fmt.Errorf("realtime get: %w", err)
	}
	v, err := events.DecodeValue([]byte(raw))
	if err != nil {
		return events.Envelope{}, false, err
	}
	return events.FromValue(tenantID, typ, id, v), true, nil
}

// Snapshot returns the full child map of a collection. Entries that fail to
// decode are skipped and logged.
func (s *RedisStore) Snapshot(ctx context.Context, tenantID string, typ events.Type) (map[string]events.Value, error) {
	if err := events.ValidateScope(tenantID, typ); err != nil {
		return nil, err
	}
	key := events.Path(tenantID, typ)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("realtime snapshot %s: %w", key, err)
	}

	out := make(map[string]events.Value, len(raw))
	for id, val := range raw {
		v, err := events.DecodeValue([]byte(val))
		if err != nil {
			s.log.Warn("realtime_entry_undecodable", slog.String("path", key), slog.String("event_id", id), slog.String("err", err.Error()))
			continue
		}
		out[id] = v
	}
	return out, nil
}

// Changes delivers a signal whenever the watched collection was written.
// Signals coalesce: a reader that falls behind sees one pending signal, which
// is enough because readers always take a full snapshot.
type Changes interface {
	C() <-chan struct{}
	Close() error
}

type watch struct {
	ps *redis.PubSub
	c  chan struct{}
}

// Watch subscribes to change signals for a collection. The subscription is
// confirmed by the server before Watch returns, so no write that happens
// after Watch returns can be missed.
func (s *RedisStore) Watch(ctx context.Context, tenantID string, typ events.Type) (Changes, error) {
	if err := events.ValidateScope(tenantID, typ); err != nil {
		return nil, err
	}
	key := events.Path(tenantID, typ)

	ps := s.client.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime watch %s: %w", key, err)
	}

	w := &watch{ps: ps, c: make(chan struct{}, 1)}
	go w.pump()
	return w, nil
}

func (w *watch) pump() {
	defer close(w.c)
	for range w.ps.Channel() {
		select {
		case w.c <- struct{}{}:
		default:
		}
	}
}

func (w *watch) C() <-chan struct{} { return w.c }

func (w *watch) Close() error { return w.ps.Close() }
