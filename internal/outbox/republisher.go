package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

// Queue is the table side of the republisher.
type Queue interface {
	ResetStuck(ctx context.Context, processingTimeout time.Duration) (int64, error)
	ClaimPending(ctx context.Context, batchSize int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, id int64, errMsg string) error
	LagSeconds(ctx context.Context) (float64, error)
}

type Republisher struct {
	Queue     Queue
	Publisher channel.Publisher
	Metrics   *Metrics
	Log       *slog.Logger

	BatchSize         int
	ProcessingTimeout time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Now               func() time.Time
}

// NextRetry is the delay before attempt number attempts+1: base doubled per
// attempt and capped at max.
func NextRetry(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Tick runs one poll: requeue stuck rows, claim a batch and publish it.
// Table errors are logged and counted; only a claim failure ends the tick
// early.
func (r *Republisher) Tick(ctx context.Context) {
	m := r.Metrics
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	m.PollsTotal.Inc()

	if n, err := r.Queue.ResetStuck(ctx, r.ProcessingTimeout); err != nil {
		m.ErrorsTotal.WithLabelValues("requeue").Inc()
		r.Log.Error("outbox_requeue_failed", logger.Err(err))
	} else if n > 0 {
		m.RequeuedTotal.Add(float64(n))
		r.Log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
	}

	recs, err := r.Queue.ClaimPending(ctx, r.BatchSize)
	if err != nil {
		m.ErrorsTotal.WithLabelValues("claim").Inc()
		r.Log.Error("outbox_claim_failed", logger.Err(err))
		return
	}
	m.ClaimedTotal.Add(float64(len(recs)))

	for _, rec := range recs {
		r.publish(ctx, rec, now())
	}

	if lag, err := r.Queue.LagSeconds(ctx); err != nil {
		m.ErrorsTotal.WithLabelValues("lag").Inc()
	} else {
		m.LagSeconds.Set(lag)
	}
}

func (r *Republisher) publish(ctx context.Context, rec Record, now time.Time) {
	m := r.Metrics
	log := r.Log.With(slog.Int64("id", rec.ID), logger.EventID(rec.EventID), logger.EventType(rec.EventType), slog.Int("attempts", rec.Attempts))

	env, err := rec.Envelope()
	if err != nil {
		// A payload that does not decode will never publish.
		m.DeadTotal.WithLabelValues(rec.EventType).Inc()
		log.Error("outbox_payload_invalid", logger.Err(err))
		if err := r.Queue.MarkDead(ctx, rec.ID, err.Error()); err != nil {
			m.ErrorsTotal.WithLabelValues("mark").Inc()
		}
		return
	}

	msg, err := channel.FromEnvelope(env)
	if err == nil {
		err = r.Publisher.Publish(ctx, msg)
	}
	if err == nil {
		if err := r.Queue.MarkSent(ctx, rec.ID); err != nil {
			m.ErrorsTotal.WithLabelValues("mark").Inc()
			log.Error("outbox_mark_sent_failed", logger.Err(err))
			return
		}
		m.PublishedTotal.WithLabelValues(rec.EventType).Inc()
		log.Info("outbox_republished", logger.Tenant(rec.TenantID))
		return
	}

	m.FailedTotal.WithLabelValues(rec.EventType).Inc()
	if r.MaxAttempts > 0 && rec.Attempts >= r.MaxAttempts {
		m.DeadTotal.WithLabelValues(rec.EventType).Inc()
		log.Error("outbox_dead", logger.Err(err))
		if err := r.Queue.MarkDead(ctx, rec.ID, err.Error()); err != nil {
			m.ErrorsTotal.WithLabelValues("mark").Inc()
		}
		return
	}

	next := now.Add(NextRetry(rec.Attempts, r.BaseDelay, r.MaxDelay))
	log.Warn("outbox_publish_failed", logger.Err(err), slog.Time("next_retry_at", next))
	if err := r.Queue.MarkFailed(ctx, rec.ID, next, err.Error()); err != nil {
		m.ErrorsTotal.WithLabelValues("mark").Inc()
		log.Error("outbox_mark_failed_failed", logger.Err(err))
	}
}

// Run ticks every interval until ctx is done.
func (r *Republisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}
