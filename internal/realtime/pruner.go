package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

// Pruner bounds collection growth by deleting entries whose timestamp is
// older than MaxAge. Listeners ignore such entries anyway.
type Pruner struct {
	Client *redis.Client
	MaxAge time.Duration
	Log    *slog.Logger
	Now    func() time.Time

	removed prometheus.Counter
}

func NewPruner(client *redis.Client, maxAge time.Duration, log *slog.Logger, reg prometheus.Registerer) *Pruner {
	p := &Pruner{
		Client: client,
		MaxAge: maxAge,
		Log:    log,
		Now:    time.Now,
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_pruned_entries_total",
			Help: "Realtime entries removed for exceeding the retention age.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.removed)
	}
	return p
}

// Prune makes one pass over every collection and returns how many entries
// were removed.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.Now().Add(-p.MaxAge).UnixMilli()
	total := 0

	iter := p.Client.Scan(ctx, 0, "tenants/*/events/*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, _, ok := events.ParsePath(key); !ok {
			continue
		}
		n, err := p.pruneKey(ctx, key, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan collections: %w", err)
	}

	if p.removed != nil {
		p.removed.Add(float64(total))
	}
	return total, nil
}

func (p *Pruner) pruneKey(ctx context.Context, key string, cutoff int64) (int, error) {
	raw, err := p.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}

	var stale []string
	for id, val := range raw {
		v, err := events.DecodeValue([]byte(val))
		if err != nil || v.Timestamp < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := p.Client.HDel(ctx, key, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", key, err)
	}
	return int(n), nil
}

// Run prunes every interval until ctx is done.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.Log.Error("realtime_prune_failed", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				p.Log.Info("realtime_pruned", slog.Int("count", n))
			}
		}
	}
}
