package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

var (
	ErrBadEncoding = errors.New("message data is not valid base64")
	ErrNotUTF8     = errors.New("message data is not valid utf-8")
	ErrBadPayload  = errors.New("message data is not a json object")
)

// payload is the decoded message body. Producers in the wild use either id
// or eventId and either type or eventType.
type payload struct {
	ID        string          `json:"id"`
	EventID   string          `json:"eventId"`
	TenantID  string          `json:"tenantId"`
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
}

// Normalize turns a push message into the envelope the relay stores. Body
// fields win over transport attributes; id and timestamp are always filled.
func Normalize(msg events.PushMessage, now time.Time, newID func() string) (events.Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(msg.Data))
	if err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %w", ErrBadEncoding, err)
	}
	if !utf8.Valid(raw) {
		return events.Envelope{}, ErrNotUTF8
	}

	// null and other non-object values decode into a struct without error.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return events.Envelope{}, ErrBadPayload
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	tenantID := firstNonEmpty(p.TenantID, msg.Attributes[events.AttrTenantID])
	typeName := firstNonEmpty(p.Type, p.EventType, msg.Attributes[events.AttrEventType])
	if typeName == "" {
		return events.Envelope{}, events.ErrMissingType
	}
	typ, err := events.ParseType(typeName)
	if err != nil {
		return events.Envelope{}, err
	}

	id := firstNonEmpty(p.ID, p.EventID, msg.MessageID)
	if id == "" {
		id = newID()
	}

	ts := p.Timestamp
	if ts == 0 {
		ts = publishMillis(msg.PublishTime, now)
	}

	env := events.Envelope{
		ID:        id,
		TenantID:  strings.TrimSpace(tenantID),
		Type:      typ,
		Action:    p.Action,
		Data:      p.Data,
		Timestamp: ts,
		UserID:    p.UserID,
	}
	if err := env.Validate(); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}

func publishMillis(s string, now time.Time) int64 {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
	}
	return now.UnixMilli()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
