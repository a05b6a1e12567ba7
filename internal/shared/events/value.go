package events

import (
	"encoding/json"
	"fmt"
)

// Value is what the realtime store keeps at tenants/{tenant}/events/{type}/{id}.
// Tenant, type and id are carried by the path, not the value.
type Value struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

func (e Envelope) Value() Value {
	return Value{Action: e.Action, Data: e.Data, Timestamp: e.Timestamp, UserID: e.UserID}
}

// FromValue rebuilds the envelope stored at EntryPath(tenantID, typ, id).
func FromValue(tenantID string, typ Type, id string, v Value) Envelope {
	return Envelope{
		ID:        id,
		TenantID:  tenantID,
		Type:      typ,
		Action:    v.Action,
		Data:      v.Data,
		Timestamp: v.Timestamp,
		UserID:    v.UserID,
	}
}

func EncodeValue(v Value) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

func DecodeValue(b []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(b, &v); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// MarshalData turns an arbitrary payload into the opaque data blob. Raw JSON
// is passed through untouched.
func MarshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(d) > 0 && !json.Valid(d) {
			return nil, fmt.Errorf("data is not valid json")
		}
		return d, nil
	case []byte:
		if len(d) > 0 && !json.Valid(d) {
			return nil, fmt.Errorf("data is not valid json")
		}
		return json.RawMessage(d), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return b, nil
}
