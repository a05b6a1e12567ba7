package kafkax

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	mu  sync.Mutex
	r   *kafka.Reader
	cfg ConsumerConfig
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// StartOffset applies only to a group without committed offsets:
	// "first" or "last". A push subscription must not skip events published
	// before it first started, so the default is "first".
	StartOffset string

	MinBytes int
	MaxBytes int
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{cfg: cfg}
	c.r = newReader(cfg)
	return c
}

func newReader(cfg ConsumerConfig) *kafka.Reader {
	minB := cfg.MinBytes
	maxB := cfg.MaxBytes
	if minB == 0 {
		minB = 1
	}
	if maxB == 0 {
		maxB = 10e6
	}

	start := kafka.FirstOffset
	if strings.EqualFold(cfg.StartOffset, "last") {
		start = kafka.LastOffset
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    start,
		MinBytes:       minB,
		MaxBytes:       maxB,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 1 * time.Second,
	})
	return r
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

func (c *Consumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	r := c.r
	c.mu.Unlock()
	if r == nil {
		return kafka.Message{}, ErrClosed
	}
	return r.FetchMessage(ctx)
}

func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	r := c.r
	c.mu.Unlock()
	if r == nil {
		return ErrClosed
	}
	return r.CommitMessages(ctx, msgs...)
}

// Reopen recreates the reader. Uncommitted messages are fetched again by the
// new reader, which is how a message whose push failed gets redelivered.
func (c *Consumer) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r != nil {
		_ = c.r.Close()
	}
	c.r = newReader(c.cfg)
}
