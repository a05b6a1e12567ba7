// Package natsx wraps a NATS connection with the JetStream calls the durable
// channel needs: stream and durable consumer setup, publish with headers and
// explicit-ack consumption.
package natsx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "dispatch-relay",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *slog.Logger
}

func Connect(cfg Config, log *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats_disconnected", slog.String("err", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats_reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js, log: log}, nil
}

func (c *Client) Close() error {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// EnsureStream creates the stream or updates it in place. Limits retention
// lets both the push subscriber and any other consumer read the same events.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string, maxAge time.Duration) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		MaxAge:     maxAge,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

type ConsumerConfig struct {
	Stream        string
	Name          string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

func (c *Client) EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (jetstream.Consumer, error) {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 100
	}
	stream, err := c.js.Stream(ctx, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", cfg.Stream, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return cons, nil
}

// Publish waits for the stream ack. A non-empty msgID lets the server drop a
// duplicate publish inside the stream's duplicate window.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: Header(headers)}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := c.js.PublishMsg(ctx, msg, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// ErrTerminal marks a handler error that must not be redelivered.
var ErrTerminal = errors.New("terminal")

func Terminal(err error) error { return fmt.Errorf("%w: %w", ErrTerminal, err) }

type Handler func(ctx context.Context, msg jetstream.Msg) error

// Consume runs handler for every message until ctx is done. A nil error
// acks, a Terminal error terms the message and any other error naks it with
// retryDelay.
func (c *Client) Consume(ctx context.Context, cons jetstream.Consumer, retryDelay time.Duration, handler Handler) error {
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		err := handler(ctx, msg)
		switch {
		case err == nil:
			if aerr := msg.Ack(); aerr != nil {
				c.log.Warn("nats_ack_failed", slog.String("subject", msg.Subject()), slog.String("err", aerr.Error()))
			}
		case errors.Is(err, ErrTerminal):
			_ = msg.Term()
		default:
			_ = msg.NakWithDelay(retryDelay)
		}
	})
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func Header(m map[string]string) nats.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(nats.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func HeaderMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
