package kafkax

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldReset(t *testing.T) {
	assert.False(t, shouldReset(nil))
	assert.True(t, shouldReset(errors.New("dial tcp 10.0.0.1:9092: connection refused")))
	assert.True(t, shouldReset(errors.New("[6] Not Leader For Partition")))
	assert.False(t, shouldReset(errors.New("message too large")))
}

func TestHeadersRoundTrip(t *testing.T) {
	in := map[string]string{"tenantId": "t-1", "eventType": "process"}
	assert.Equal(t, in, HeaderMap(Headers(in)))
	assert.Nil(t, Headers(nil))
	assert.Nil(t, HeaderMap(nil))
}

func TestProduceWithoutTopic(t *testing.T) {
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:1"}})
	t.Cleanup(func() { _ = p.Close() })

	err := p.Produce(context.Background(), nil, []byte("x"), nil, 0)
	assert.ErrorIs(t, err, ErrNoTopic)
}

func TestProduceAfterClose(t *testing.T) {
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:1"}, Topic: "t"})
	assert.NoError(t, p.Close())

	err := p.Produce(context.Background(), nil, []byte("x"), nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
