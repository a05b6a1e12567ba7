// Package publisher is the write-path end of the relay. After a mutation
// commits, Publish fans the event out to the realtime store and to the
// durable channel. Neither write is allowed to fail the mutation.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

// Realtime is the direct write target.
type Realtime interface {
	Write(ctx context.Context, env events.Envelope) error
}

// Parker keeps a durable publish that failed so it can be retried later.
type Parker interface {
	Park(ctx context.Context, env events.Envelope, reason string) error
}

type Publisher struct {
	realtime Realtime
	channel  channel.Publisher
	parker   Parker
	log      *slog.Logger
	branches *prometheus.CounterVec
}

type Option func(*Publisher)

func WithParker(p Parker) Option { return func(pb *Publisher) { pb.parker = p } }

func WithLogger(log *slog.Logger) Option { return func(pb *Publisher) { pb.log = log } }

// WithMetrics registers publish_branch_total{branch,outcome} on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(pb *Publisher) {
		pb.branches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_branch_total",
			Help: "Publisher writes by branch (realtime, channel) and outcome.",
		}, []string{"branch", "outcome"})
		reg.MustRegister(pb.branches)
	}
}

func New(rt Realtime, ch channel.Publisher, opts ...Option) *Publisher {
	p := &Publisher{realtime: rt, channel: ch, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	env []events.Option
}

func WithUserID(id string) PublishOption {
	return func(o *publishOptions) { o.env = append(o.env, events.WithUserID(id)) }
}

// WithEventID reuses a caller id instead of generating one.
func WithEventID(id string) PublishOption {
	return func(o *publishOptions) { o.env = append(o.env, events.WithID(id)) }
}

// Result reports what happened to each branch of one publish.
type Result struct {
	Envelope    events.Envelope
	RealtimeErr error
	ChannelErr  error
	// Parked is true when a failed channel publish was handed to the parker.
	Parked bool
}

// Err joins the branch failures, nil when both writes succeeded.
func (r Result) Err() error {
	var errs []error
	if r.RealtimeErr != nil {
		errs = append(errs, fmt.Errorf("realtime: %w", r.RealtimeErr))
	}
	if r.ChannelErr != nil {
		errs = append(errs, fmt.Errorf("channel: %w", r.ChannelErr))
	}
	return errors.Join(errs...)
}

// Warnings are the branch failures in a form fit for a response header.
func (r Result) Warnings() []string {
	var out []string
	if r.RealtimeErr != nil {
		out = append(out, "realtime write failed")
	}
	if r.ChannelErr != nil {
		if r.Parked {
			out = append(out, "durable publish deferred")
		} else {
			out = append(out, "durable publish failed")
		}
	}
	return out
}

// Publish builds the envelope and writes it to both targets concurrently,
// waiting for both. The returned error is only ever a construction error;
// branch failures are logged and reported through Result.
func (p *Publisher) Publish(ctx context.Context, tenantID string, typ events.Type, action string, data any, opts ...PublishOption) (Result, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := events.MarshalData(data)
	if err != nil {
		return Result{}, err
	}
	env, err := events.New(tenantID, typ, action, raw, o.env...)
	if err != nil {
		return Result{}, err
	}
	msg, err := channel.FromEnvelope(env)
	if err != nil {
		return Result{}, err
	}

	res := Result{Envelope: env}
	log := p.log.With(logger.Tenant(env.TenantID), logger.EventID(env.ID), logger.EventType(string(env.Type)), logger.Action(env.Action))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.RealtimeErr = p.realtime.Write(ctx, env)
	}()
	go func() {
		defer wg.Done()
		res.ChannelErr = p.channel.Publish(ctx, msg)
	}()
	wg.Wait()

	p.count("realtime", res.RealtimeErr)
	p.count("channel", res.ChannelErr)

	if res.RealtimeErr != nil {
		log.Warn("publish_realtime_failed", logger.Err(res.RealtimeErr))
	}
	if res.ChannelErr != nil {
		log.Warn("publish_channel_failed", logger.Err(res.ChannelErr))
		if p.parker != nil {
			// The request context may already be done; parking must not be.
			if perr := p.parker.Park(context.WithoutCancel(ctx), env, res.ChannelErr.Error()); perr != nil {
				log.Error("publish_park_failed", logger.Err(perr))
			} else {
				res.Parked = true
			}
		}
	}
	return res, nil
}

// PublishEnvelope re-publishes an envelope that already has an id and
// timestamp, as tooling does when replaying events.
func (p *Publisher) PublishEnvelope(ctx context.Context, env events.Envelope) (Result, error) {
	return p.Publish(ctx, env.TenantID, env.Type, env.Action, json.RawMessage(env.Data),
		WithEventID(env.ID), WithUserID(env.UserID), withTimestamp(env.Timestamp))
}

func withTimestamp(ms int64) PublishOption {
	return func(o *publishOptions) { o.env = append(o.env, events.WithTimestamp(ms)) }
}

func (p *Publisher) count(branch string, err error) {
	if p.branches == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.branches.WithLabelValues(branch, outcome).Inc()
}

func (p *Publisher) Close() error { return p.channel.Close() }
