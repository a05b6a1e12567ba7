package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

func TestFromEnvelope(t *testing.T) {
	env, err := events.New("tenant-1", events.TypeProcess, "created", json.RawMessage(`{"processId":"p1"}`))
	require.NoError(t, err)

	msg, err := channel.FromEnvelope(env)
	require.NoError(t, err)

	assert.Equal(t, env.ID, msg.ID)
	assert.Equal(t, "tenant-1", msg.Key)
	assert.Equal(t, "tenant-1", msg.Attributes[events.AttrTenantID])
	assert.Equal(t, "process", msg.Attributes[events.AttrEventType])

	back, err := events.Unmarshal(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, env, back)
}

func TestFromEnvelopeRejectsInvalid(t *testing.T) {
	_, err := channel.FromEnvelope(events.Envelope{Type: events.TypeProcess, ID: "x"})
	assert.ErrorIs(t, err, events.ErrMissingTenant)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "dispatch.events.acme.process", channel.Subject("dispatch.events", "acme", "process"))
	assert.Equal(t, "dispatch.events.a_b_c.client", channel.Subject("dispatch.events", "a.b*c", "client"))
	assert.Equal(t, "p._._", channel.Subject("p", "", ""))
}

func TestFromKafka(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := channel.FromKafka(kafka.Message{
		Topic:     "dispatch.events",
		Partition: 2,
		Offset:    41,
		Value:     []byte(`{}`),
		Headers:   []kafka.Header{{Key: "tenantId", Value: []byte("t-1")}},
		Time:      published,
	})

	assert.Equal(t, "dispatch.events:2:41", d.ID)
	assert.NotContains(t, d.ID, "/", "delivery ids become a single entry key")
	assert.Equal(t, "t-1", d.Attributes["tenantId"])
	assert.Equal(t, published, d.PublishTime)

	req := d.PushRequest("sub")
	require.NotNil(t, req.Message)
	assert.Equal(t, "dispatch.events:2:41", req.Message.MessageID)
	assert.Equal(t, "2026-03-01T12:00:00Z", req.Message.PublishTime)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := channel.Open(context.Background(), channel.Config{Driver: "carrier-pigeon"}, logger.Discard())
	assert.ErrorIs(t, err, channel.ErrUnknownDriver)
}

func TestOpenKafkaNeedsTopic(t *testing.T) {
	_, err := channel.Open(context.Background(), channel.Config{KafkaBrokers: []string{"localhost:9092"}}, logger.Discard())
	assert.Error(t, err)
}

type jsMsg struct {
	jetstream.Msg
	md      *jetstream.MsgMetadata
	data    []byte
	headers nats.Header
}

func (m jsMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if m.md == nil {
		return nil, errors.New("not a jetstream message")
	}
	return m.md, nil
}

func (m jsMsg) Data() []byte { return m.data }

func (m jsMsg) Headers() nats.Header { return m.headers }

func TestFromJetStream(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := channel.FromJetStream(jsMsg{
		md:      &jetstream.MsgMetadata{Stream: "DISPATCH_EVENTS", Sequence: jetstream.SequencePair{Stream: 12}, Timestamp: published},
		data:    []byte(`{}`),
		headers: nats.Header{"tenantId": []string{"t-1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "DISPATCH_EVENTS:12", d.ID)
	assert.NotContains(t, d.ID, "/", "delivery ids become a single entry key")
	assert.Equal(t, "t-1", d.Attributes["tenantId"])
	assert.Equal(t, published, d.PublishTime)

	_, err = channel.FromJetStream(jsMsg{})
	assert.Error(t, err)
}
