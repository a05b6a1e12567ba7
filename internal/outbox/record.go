package outbox

import (
	"encoding/json"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

// Record is one parked publish as claimed from the table.
type Record struct {
	ID        int64
	EventID   string
	TenantID  string
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
}

func (r Record) Envelope() (events.Envelope, error) {
	env, err := events.Unmarshal(r.Payload)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}
