package logger

import "log/slog"

const (
	FieldError     = "err"
	FieldTenantID  = "tenant_id"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldAction    = "action"
)

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func Tenant(id string) slog.Attr { return slog.String(FieldTenantID, id) }

func EventID(id string) slog.Attr { return slog.String(FieldEventID, id) }

func EventType(t string) slog.Attr { return slog.String(FieldEventType, t) }

func Action(a string) slog.Attr { return slog.String(FieldAction, a) }
