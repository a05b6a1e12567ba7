package channel

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/kafkax"
	"github.com/k1networth/dispatch-relay/internal/shared/natsx"
)

// Delivery is one inbound message as the channel hands it to a subscriber.
// ID is the broker's delivery id, stable across redeliveries. It never
// contains '/' because the relay may use it as the entry key.
type Delivery struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
}

func FromKafka(msg kafka.Message) Delivery {
	return Delivery{
		ID:          msg.Topic + ":" + strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10),
		Data:        msg.Value,
		Attributes:  kafkax.HeaderMap(msg.Headers),
		PublishTime: msg.Time,
	}
}

func FromJetStream(msg jetstream.Msg) (Delivery, error) {
	md, err := msg.Metadata()
	if err != nil {
		return Delivery{}, fmt.Errorf("jetstream metadata: %w", err)
	}
	return Delivery{
		ID:          md.Stream + ":" + strconv.FormatUint(md.Sequence.Stream, 10),
		Data:        msg.Data(),
		Attributes:  natsx.HeaderMap(msg.Headers()),
		PublishTime: md.Timestamp,
	}, nil
}

// PushRequest wraps the delivery the way the relay webhook expects it.
func (d Delivery) PushRequest(subscription string) events.PushRequest {
	return events.NewPushRequest(subscription, d.ID, d.Data, d.Attributes, d.PublishTime)
}
