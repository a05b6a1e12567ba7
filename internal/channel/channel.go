// Package channel is the durable, ordered messaging backbone events travel
// through on their way to the relay. Kafka is the default driver and NATS
// JetStream the alternative; both carry the JSON envelope as the body and
// the routing attributes as headers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/kafkax"
	"github.com/k1networth/dispatch-relay/internal/shared/natsx"
)

const (
	DriverKafka = "kafka"
	DriverNATS  = "nats"
)

var ErrUnknownDriver = errors.New("unknown channel driver")

// Message is one outbound publish. Key selects the ordering scope: messages
// with the same key are delivered in publish order.
type Message struct {
	ID         string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// FromEnvelope keys the message by tenant so each tenant's events keep their
// publish order.
func FromEnvelope(env events.Envelope) (Message, error) {
	if err := env.Validate(); err != nil {
		return Message{}, err
	}
	b, err := env.Marshal()
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         env.ID,
		Key:        env.TenantID,
		Data:       b,
		Attributes: env.Attributes(),
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Config struct {
	Driver string

	KafkaBrokers []string
	KafkaTopic   string

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	WriteTimeout time.Duration
}

// Open builds the publisher for cfg.Driver. An empty driver means Kafka.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverKafka:
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, errors.New("kafka brokers and topic are required")
		}
		return NewKafkaPublisher(kafkax.NewProducer(kafkax.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			ClientID:     "dispatch-relay",
			WriteTimeout: cfg.WriteTimeout,
		}), cfg.WriteTimeout), nil
	case DriverNATS:
		client, err := natsx.Connect(natsx.DefaultConfig(cfg.NATSURL), log)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureStream(ctx, cfg.NATSStream, []string{cfg.NATSSubjectPrefix + ".>"}, 7*24*time.Hour); err != nil {
			_ = client.Close()
			return nil, err
		}
		return NewNATSPublisher(client, cfg.NATSSubjectPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

type KafkaPublisher struct {
	p       *kafkax.Producer
	timeout time.Duration
}

func NewKafkaPublisher(p *kafkax.Producer, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{p: p, timeout: timeout}
}

func (k *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return k.p.Produce(ctx, []byte(msg.Key), msg.Data, msg.Attributes, k.timeout)
}

func (k *KafkaPublisher) Close() error { return k.p.Close() }

type NATSPublisher struct {
	c      *natsx.Client
	prefix string
}

func NewNATSPublisher(c *natsx.Client, prefix string) *NATSPublisher {
	return &NATSPublisher{c: c, prefix: prefix}
}

// Publish routes to <prefix>.<tenant>.<type>. JetStream orders per stream,
// so per-tenant order holds as well.
func (n *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	subject := Subject(n.prefix, msg.Attributes[events.AttrTenantID], msg.Attributes[events.AttrEventType])
	return n.c.Publish(ctx, subject, msg.Data, msg.Attributes, msg.ID)
}

func (n *NATSPublisher) Close() error { return n.c.Close() }

// Subject builds a NATS subject. Characters with meaning in subjects are
// replaced so any tenant id maps to exactly one token.
func Subject(prefix, tenantID, typ string) string {
	return prefix + "." + subjectToken(tenantID) + "." + subjectToken(typ)
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}
