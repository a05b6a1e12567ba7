// Package listener turns realtime collection snapshots into per-event
// callbacks for one tenant and event type, dropping anything older than a
// freshness window.
package listener

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

const DefaultWindow = 5 * time.Second

// Source is the read side of the realtime store.
type Source interface {
	Snapshot(ctx context.Context, tenantID string, typ events.Type) (map[string]events.Value, error)
	Watch(ctx context.Context, tenantID string, typ events.Type) (realtime.Changes, error)
}

type Listener struct {
	src    Source
	window time.Duration
	now    func() time.Time
	dedup  bool
	log    *slog.Logger
}

type Option func(*Listener)

// WithWindow sets how old an entry may be, relative to observation time, and
// still be delivered.
func WithWindow(d time.Duration) Option { return func(l *Listener) { l.window = d } }

func WithClock(now func() time.Time) Option { return func(l *Listener) { l.now = now } }

// WithoutDedup delivers every fresh entry on every snapshot, including ones
// already delivered by an earlier snapshot.
func WithoutDedup() Option { return func(l *Listener) { l.dedup = false } }

func WithLogger(log *slog.Logger) Option { return func(l *Listener) { l.log = log } }

// New returns a listener with a 5s window that dedups by id: an entry is
// delivered once per subscription even when later snapshots still hold it.
// Pass WithoutDedup to get every fresh entry of every snapshot.
func New(src Source, opts ...Option) *Listener {
	l := &Listener{
		src:    src,
		window: DefaultWindow,
		now:    time.Now,
		dedup:  true,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) Window() time.Duration { return l.window }

// Fresh reports whether an entry stamped ts is inside the window at now.
// Entries stamped in the future count as fresh.
func Fresh(ts int64, now time.Time, window time.Duration) bool {
	return now.UnixMilli()-ts <= window.Milliseconds()
}

type State int32

const (
	StateDetached State = iota
	StateAttached
	StateSnapshotReceived
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateSnapshotReceived:
		return "snapshot_received"
	default:
		return "detached"
	}
}

type Subscription struct {
	l       *Listener
	tenant  string
	typ     events.Type
	onEvent func(events.Envelope)

	changes realtime.Changes
	cancel  context.CancelFunc
	done    chan struct{}

	state    atomic.Int32
	detached atomic.Bool
	once     sync.Once

	// owned by the run goroutine
	seen map[string]int64
}

// Subscribe attaches to tenants/{tenantID}/events/{typ}. Once the watch is
// confirmed, the current snapshot is delivered and then one snapshot per
// change. onEvent runs on the subscription's own goroutine.
func (l *Listener) Subscribe(ctx context.Context, tenantID string, typ events.Type, onEvent func(events.Envelope)) (*Subscription, error) {
	if err := events.ValidateScope(tenantID, typ); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	changes, err := l.src.Watch(ctx, tenantID, typ)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		l:       l,
		tenant:  tenantID,
		typ:     typ,
		onEvent: onEvent,
		changes: changes,
		cancel:  cancel,
		done:    make(chan struct{}),
		seen:    make(map[string]int64),
	}
	s.state.Store(int32(StateAttached))
	go s.run(ctx)
	return s, nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateDetached))
	defer func() { _ = s.changes.Close() }()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.changes.C():
			if !ok {
				if !s.detached.Load() {
					s.l.log.Warn("listener_watch_closed", logger.Tenant(s.tenant), logger.EventType(string(s.typ)))
				}
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *Subscription) refresh(ctx context.Context) {
	snap, err := s.l.src.Snapshot(ctx, s.tenant, s.typ)
	if err != nil {
		if ctx.Err() == nil {
			s.l.log.Error("listener_snapshot_failed", logger.Tenant(s.tenant), logger.EventType(string(s.typ)), logger.Err(err))
		}
		return
	}
	if s.detached.Load() {
		return
	}
	s.state.Store(int32(StateSnapshotReceived))

	now := s.l.now()
	for _, env := range s.fresh(snap, now) {
		if s.detached.Load() {
			return
		}
		s.onEvent(env)
	}
}

// fresh returns the snapshot entries to deliver, oldest first.
func (s *Subscription) fresh(snap map[string]events.Value, now time.Time) []events.Envelope {
	window := s.l.window
	out := make([]events.Envelope, 0, len(snap))
	for id, v := range snap {
		if !Fresh(v.Timestamp, now, window) {
			continue
		}
		if s.l.dedup {
			if _, ok := s.seen[id]; ok {
				continue
			}
			s.seen[id] = v.Timestamp
		}
		out = append(out, events.FromValue(s.tenant, s.typ, id, v))
	}

	if s.l.dedup {
		for id, ts := range s.seen {
			if !Fresh(ts, now, window) {
				delete(s.seen, id)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unsubscribe detaches the subscription. No callback starts after it
// returns. It does not wait for an in-flight callback, so it is safe to call
// from inside onEvent; use Done to wait.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.detached.Store(true)
		s.cancel()
		_ = s.changes.Close()
	})
}

func (s *Subscription) State() State { return State(s.state.Load()) }

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) TenantID() string { return s.tenant }

func (s *Subscription) Type() events.Type { return s.typ }
