package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Attribute keys attached to every durable-channel message so routing never
// needs to decode the body.
const (
	AttrTenantID  = "tenantId"
	AttrEventType = "eventType"
	AttrEventID   = "eventId"
)

func (e Envelope) Attributes() map[string]string {
	return map[string]string{
		AttrTenantID:  e.TenantID,
		AttrEventType: string(e.Type),
		AttrEventID:   e.ID,
	}
}

// Marshal is the durable-channel body encoding.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}

// PushRequest is the wrapper a push subscription POSTs to the relay.
type PushRequest struct {
	Message      *PushMessage `json:"message,omitempty"`
	Subscription string       `json:"subscription,omitempty"`
}

type PushMessage struct {
	Attributes  map[string]string `json:"attributes,omitempty"`
	Data        string            `json:"data,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
}

// NewPushRequest wraps a raw message body the way the relay expects it:
// base64 data and an RFC3339 publish time.
func NewPushRequest(subscription, messageID string, body []byte, attrs map[string]string, published time.Time) PushRequest {
	msg := &PushMessage{
		Attributes: attrs,
		Data:       base64.StdEncoding.EncodeToString(body),
		MessageID:  messageID,
	}
	if !published.IsZero() {
		msg.PublishTime = published.UTC().Format(time.RFC3339Nano)
	}
	return PushRequest{Message: msg, Subscription: subscription}
}
