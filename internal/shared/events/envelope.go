// Package events holds the envelope every domain event travels in, from the
// write path through the durable channel and into the realtime store.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingTenant = errors.New("tenantId is required")
	ErrInvalidTenant = errors.New("tenantId must not contain '/'")
	ErrMissingType   = errors.New("type is required")
	ErrUnknownType   = errors.New("unknown event type")
	ErrMissingID     = errors.New("id is required")
)

type Type string

const (
	TypeProcess      Type = "process"
	TypeClient       Type = "client"
	TypeNotification Type = "notification"
	TypeSystem       Type = "system"
)

// Types lists every event type in a stable order.
var Types = []Type{TypeProcess, TypeClient, TypeNotification, TypeSystem}

func (t Type) Valid() bool {
	switch t {
	case TypeProcess, TypeClient, TypeNotification, TypeSystem:
		return true
	}
	return false
}

func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrMissingType
	}
	t := Type(strings.ToLower(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Envelope is the unit of propagation. Data is opaque: nothing in the relay
// path inspects it, so producers can evolve payloads freely.
type Envelope struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Type      Type            `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

type Option func(*Envelope)

func WithID(id string) Option { return func(e *Envelope) { e.ID = strings.TrimSpace(id) } }

func WithUserID(id string) Option { return func(e *Envelope) { e.UserID = strings.TrimSpace(id) } }

func WithTimestamp(ms int64) Option { return func(e *Envelope) { e.Timestamp = ms } }

// New builds a validated envelope. The id and timestamp are assigned when the
// options leave them empty.
func New(tenantID string, typ Type, action string, data json.RawMessage, opts ...Option) (Envelope, error) {
	env := Envelope{
		TenantID: strings.TrimSpace(tenantID),
		Type:     typ,
		Action:   action,
		Data:     data,
	}
	for _, opt := range opts {
		opt(&env)
	}
	if err := ValidateScope(env.TenantID, env.Type); err != nil {
		return Envelope{}, err
	}
	if env.ID == "" {
		env.ID = NewID()
	}
	if env.Timestamp == 0 {
		env.Timestamp = NowMillis()
	}
	return env, nil
}

// ValidateScope checks the two values every realtime path is built from.
func ValidateScope(tenantID string, typ Type) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if strings.Contains(tenantID, "/") {
		return ErrInvalidTenant
	}
	if typ == "" {
		return ErrMissingType
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, string(typ))
	}
	return nil
}

func (e Envelope) Validate() error {
	if err := ValidateScope(e.TenantID, e.Type); err != nil {
		return err
	}
	if e.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Same reports whether a and b describe the same event. Identity is the id alone.
func Same(a, b Envelope) bool { return a.ID != "" && a.ID == b.ID }

func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

func (e Envelope) Path() string { return Path(e.TenantID, e.Type) }

func (e Envelope) EntryPath() string { return EntryPath(e.TenantID, e.Type, e.ID) }

// Path is the collection all events of one type for one tenant live under.
func Path(tenantID string, typ Type) string {
	return "tenants/" + tenantID + "/events/" + string(typ)
}

func EntryPath(tenantID string, typ Type, id string) string {
	return Path(tenantID, typ) + "/" + id
}

// ParsePath is the inverse of Path.
func ParsePath(p string) (string, Type, bool) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 || parts[0] != "tenants" || parts[2] != "events" || parts[1] == "" {
		return "", "", false
	}
	t := Type(parts[3])
	if !t.Valid() {
		return "", "", false
	}
	return parts[1], t, true
}

func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func NowMillis() int64 { return time.Now().UnixMilli() }
