// Package pusher is the push side of the durable channel subscription: it
// POSTs each delivery to the relay webhook and decides, from the response,
// whether the delivery is done, should be retried or must be dead-lettered.
package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

// ErrPermanent marks a delivery the relay refused for good. Redelivering it
// would fail the same way.
var ErrPermanent = errors.New("relay rejected delivery")

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay responded %d: %s", e.Code, e.Body)
}

// Permanent reports whether a relay status code means the delivery must not
// be retried.
func Permanent(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

type Config struct {
	Endpoint     string
	Token        string
	Subscription string
	// MaxElapsed bounds retries of one delivery. Zero retries until ctx ends.
	MaxElapsed time.Duration
	Timeout    time.Duration
}

type Pusher struct {
	cfg     Config
	target  string
	client  *http.Client
	log     *slog.Logger
	backoff func() backoff.BackOff
	results *prometheus.CounterVec
}

type Option func(*Pusher)

func WithHTTPClient(c *http.Client) Option { return func(p *Pusher) { p.client = c } }

func WithLogger(log *slog.Logger) Option { return func(p *Pusher) { p.log = log } }

// WithBackOff replaces the retry schedule, mostly so tests do not sleep.
func WithBackOff(f func() backoff.BackOff) Option { return func(p *Pusher) { p.backoff = f } }

func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pusher) {
		p.results = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pusher_deliveries_total",
			Help: "Push deliveries to the relay by result.",
		}, []string{"result"})
		reg.MustRegister(p.results)
	}
}

func New(cfg Config, opts ...Option) (*Pusher, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid relay endpoint %q", cfg.Endpoint)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	p := &Pusher{
		cfg:    cfg,
		target: u.String(),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    slog.New(slog.DiscardHandler),
	}
	p.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = p.cfg.MaxElapsed
		return b
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Push delivers d, retrying transient failures. A nil error means the relay
// acknowledged. An error wrapping ErrPermanent means the relay refused the
// delivery; any other error means retries ran out.
func (p *Pusher) Push(ctx context.Context, d channel.Delivery) error {
	body, err := json.Marshal(d.PushRequest(p.cfg.Subscription))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	log := p.log.With(slog.String("delivery_id", d.ID), logger.Tenant(d.Attributes["tenantId"]))

	attempt := 0
	op := func() error {
		attempt++
		err := p.post(ctx, body)
		var se *StatusError
		if errors.As(err, &se) && Permanent(se.Code) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrPermanent, err))
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("push_retry", slog.Int("attempt", attempt), slog.Duration("next", next), logger.Err(err))
	}

	err = backoff.RetryNotify(op, backoff.WithContext(p.backoff(), ctx), notify)
	switch {
	case err == nil:
		p.count("ok")
	case errors.Is(err, ErrPermanent):
		p.count("rejected")
		log.Error("push_rejected", logger.Err(err))
	default:
		p.count("failed")
		log.Error("push_failed", slog.Int("attempts", attempt), logger.Err(err))
	}
	return err
}

func (p *Pusher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.target, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
}

func (p *Pusher) count(result string) {
	if p.results != nil {
		p.results.WithLabelValues(result).Inc()
	}
}
