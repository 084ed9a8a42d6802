package audit

import (
	"errors"
	"strings"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/encoding/json"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/spf13/cast"
)

const (
	// binding pattern of audit events
	Pattern = "audit.*"
)

var (
	ErrMissingEventType = errors.New("event_type is missing")
)

// Map audit event payload to AuditLog.
func ParseAuditLog(p map[string]any) (AuditLog, error) {
	l := AuditLog{
		EventType:  strings.TrimSpace(cast.ToString(p["event_type"])),
		UserId:     cast.ToString(p["user_id"]),
		EntityType: cast.ToString(p["entity_type"]),
		EntityId:   cast.ToString(p["entity_id"]),
	}
	if l.EventType == "" {
		return l, ErrMissingEventType
	}
	if v, ok := p["payload"]; ok && v != nil {
		s, err := json.SWriteJson(v)
		if err != nil {
			return l, core.WrapErrf(err, "failed to encode payload")
		}
		l.Payload = s
	}
	return l, nil
}

/*
Handler of audit events, each event is saved as one AuditLog.

Malformed events are permanent failures, store failures are retryable. Both are logged and, with the always-ack
policy, dropped.
*/
func Handler(store Store) rabbit.Handler {
	return rabbit.HandlerFunc(func(rail core.Rail, evt rabbit.Event) rabbit.Outcome {
		l, err := ParseAuditLog(evt.Payload)
		if err != nil {
			rail.Errorf("Failed to log audit event, invalid event from '%s', %v", evt.RoutingKey, err)
			return rabbit.Permanent(err)
		}
		if err := store.Save(rail, l); err != nil {
			rail.Errorf("Failed to log audit event: %v", err)
			return rabbit.Retryable(err)
		}
		rail.Infof("Logged audit event: %s", l.EventType)
		return rabbit.Success()
	})
}
