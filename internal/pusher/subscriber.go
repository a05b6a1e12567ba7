package pusher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/shared/kafkax"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
	"github.com/k1networth/dispatch-relay/internal/shared/natsx"
)

// Header added to dead-lettered messages with the reason they were parked.
const HeaderDeadReason = "deadLetterReason"

type KafkaSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Reopen()
}

type KafkaDeadLetter interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string, timeout time.Duration) error
}

// RunKafka pushes every message of src to the relay until ctx is done. A
// message is committed once the relay acknowledged it or once it was
// dead-lettered. When dead-lettering fails the reader is reopened so the
// message is fetched again.
func (p *Pusher) RunKafka(ctx context.Context, src KafkaSource, dlq KafkaDeadLetter) {
	p.log.Info("push_subscriber_start", slog.String("driver", channel.DriverKafka), slog.String("endpoint", p.cfg.Endpoint))
	for {
		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info("push_subscriber_shutdown")
				return
			}
			p.log.Error("kafka_fetch_failed", logger.Err(err))
			sleep(ctx, 300*time.Millisecond)
			continue
		}

		err = p.Push(ctx, channel.FromKafka(msg))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			headers := kafkax.HeaderMap(msg.Headers)
			if headers == nil {
				headers = map[string]string{}
			}
			headers[HeaderDeadReason] = err.Error()
			if derr := dlq.Produce(ctx, msg.Key, msg.Value, headers, 0); derr != nil {
				p.log.Error("dead_letter_failed", slog.Int64("offset", msg.Offset), logger.Err(derr))
				src.Reopen()
				continue
			}
			p.count("dead_lettered")
			p.log.Warn("push_dead_lettered", slog.Int64("offset", msg.Offset), logger.Err(err))
		}

		if err := src.CommitMessages(ctx, msg); err != nil {
			p.log.Error("kafka_commit_failed", logger.Err(err))
		}
	}
}

type NATSDeadLetter interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) error
}

// JetStreamHandler acks a message the relay accepted and terms one that was
// dead-lettered to dlqSubject. If dead-lettering fails the message is naked
// and redelivered.
func (p *Pusher) JetStreamHandler(dlq NATSDeadLetter, dlqSubject string) natsx.Handler {
	return func(ctx context.Context, msg jetstream.Msg) error {
		d, err := channel.FromJetStream(msg)
		if err != nil {
			return natsx.Terminal(err)
		}
		err = p.Push(ctx, d)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		headers := d.Attributes
		if headers == nil {
			headers = map[string]string{}
		}
		headers[HeaderDeadReason] = err.Error()
		if derr := dlq.Publish(ctx, dlqSubject, d.Data, headers, d.ID); derr != nil {
			p.log.Error("dead_letter_failed", slog.String("delivery_id", d.ID), logger.Err(derr))
			return errors.Join(err, derr)
		}
		p.count("dead_lettered")
		p.log.Warn("push_dead_lettered", slog.String("delivery_id", d.ID), logger.Err(err))
		return natsx.Terminal(err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
