package kafkax

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	ErrClosed  = errors.New("kafkax: producer closed")
	ErrNoTopic = errors.New("kafkax: topic is empty")
)

type Producer struct {
	mu        sync.Mutex
	w         *kafka.Writer
	cfg       ProducerConfig
	lastReset time.Time
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

func NewProducer(cfg ProducerConfig) *Producer {
	p := &Producer{cfg: cfg}
	p.w = newWriter(cfg)
	return p
}

func newWriter(cfg ProducerConfig) *kafka.Writer {
	// Short metadata TTL so a broker address change heals without a restart.
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    tr,
	}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes one message and waits for the broker ack. Messages with the
// same key land on the same partition, which is what gives per-key ordering.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers map[string]string, timeout time.Duration) error {
	if timeout <= 0 {
		if p.cfg.WriteTimeout > 0 {
			timeout = p.cfg.WriteTimeout
		} else {
			timeout = 5 * time.Second
		}
	}

	if p.cfg.Topic == "" {
		return ErrNoTopic
	}

	write := func() error {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return ErrClosed
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return w.WriteMessages(cctx, kafka.Message{Key: key, Value: value, Headers: Headers(headers)})
	}

	if err := write(); err != nil {
		// Stale broker metadata: recreate the writer and retry once.
		if shouldReset(err) {
			p.resetOnce()
			return write()
		}
		return err
	}
	return nil
}

func shouldReset(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	suspects := []string{
		"dial tcp",
		"connection refused",
		"i/o timeout",
		"eof",
		"broken pipe",
		"transport is closing",
		"not leader",
		"unknown broker",
		"failed to dial",
	}
	for _, sub := range suspects {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (p *Producer) resetOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastReset) < 2*time.Second {
		return
	}
	if p.w != nil {
		_ = p.w.Close()
	}
	p.w = newWriter(p.cfg)
	p.lastReset = time.Now()
}

func Headers(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(m))
	for k, v := range m {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func HeaderMap(hs []kafka.Header) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
