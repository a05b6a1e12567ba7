// Package dashboard keeps a live per-tenant summary of recent events by
// composing one listener subscription per event type.
package dashboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

type TypeStatus struct {
	Type     events.Type      `json:"type"`
	Total    int              `json:"total"`
	ByAction map[string]int   `json:"byAction"`
	Last     *events.Envelope `json:"last,omitempty"`
}

type Status struct {
	TenantID string       `json:"tenantId"`
	Total    int          `json:"total"`
	LastSeen time.Time    `json:"lastSeen,omitempty"`
	Types    []TypeStatus `json:"types"`
}

type Aggregator struct {
	tenant string
	now    func() time.Time
	subs   []*listener.Subscription
	notify func(events.Envelope)

	mu       sync.Mutex
	byType   map[events.Type]*TypeStatus
	lastSeen time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// OnEvent is called after each event has been counted.
func OnEvent(fn func(events.Envelope)) Option { return func(a *Aggregator) { a.notify = fn } }

// New subscribes to every type in types, or to all known types when none are
// given. On failure any subscription already made is released.
func New(ctx context.Context, l *listener.Listener, tenantID string, types []events.Type, opts ...Option) (*Aggregator, error) {
	if len(types) == 0 {
		types = events.Types
	}
	a := &Aggregator{
		tenant: tenantID,
		now:    time.Now,
		byType: make(map[events.Type]*TypeStatus, len(types)),
	}
	for _, opt := range opts {
		opt(a)
	}

	// byType is complete before the first subscription can call record.
	wanted := make([]events.Type, 0, len(types))
	for _, typ := range types {
		if _, dup := a.byType[typ]; dup {
			continue
		}
		a.byType[typ] = &TypeStatus{Type: typ, ByAction: map[string]int{}}
		wanted = append(wanted, typ)
	}

	for _, typ := range wanted {
		sub, err := l.Subscribe(ctx, tenantID, typ, a.record)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.subs = append(a.subs, sub)
	}
	if len(a.subs) == 0 {
		return nil, errors.New("dashboard: no event types")
	}
	return a, nil
}

func (a *Aggregator) record(env events.Envelope) {
	a.mu.Lock()
	ts, ok := a.byType[env.Type]
	if ok {
		ts.Total++
		ts.ByAction[env.Action]++
		last := env
		ts.Last = &last
		a.lastSeen = a.now()
	}
	a.mu.Unlock()

	if ok && a.notify != nil {
		a.notify(env)
	}
}

// Status returns a copy of the current counters, types in name order.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{TenantID: a.tenant, LastSeen: a.lastSeen, Types: make([]TypeStatus, 0, len(a.byType))}
	for _, ts := range a.byType {
		cp := TypeStatus{Type: ts.Type, Total: ts.Total, ByAction: make(map[string]int, len(ts.ByAction))}
		for k, v := range ts.ByAction {
			cp.ByAction[k] = v
		}
		if ts.Last != nil {
			last := *ts.Last
			cp.Last = &last
		}
		st.Total += ts.Total
		st.Types = append(st.Types, cp)
	}
	sort.Slice(st.Types, func(i, j int) bool { return st.Types[i].Type < st.Types[j].Type })
	return st
}

// Close unsubscribes every type and waits for the subscriptions to stop.
func (a *Aggregator) Close() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	for _, s := range a.subs {
		<-s.Done()
	}
}
