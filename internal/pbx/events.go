package pbx

import (
	"encoding/json"
	"fmt"
)

// Event types on the call-control stream. Upsert/remove both signal that an
// extension's participant set changed, so both re-trigger the dial cycle.
const (
	EventTypeUpsert = 0
	EventTypeRemove = 1
	EventTypeDTMF   = 2
)

// EventEnvelope is one JSON message from the persistent event connection.
type EventEnvelope struct {
	Event Event `json:"event"`
}

type Event struct {
	EventType int `json:"event_type"`

	// Entity is the PBX resource path the event refers to.
	Entity string `json:"entity,omitempty"`

	// AttachedData carries the resource body; shape varies per entity.
	AttachedData json.RawMessage `json:"attached_data,omitempty"`
}

// ParseEvent decodes a raw stream message. Malformed payloads are a
// per-message failure: callers log and skip, never abort the stream.
func ParseEvent(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("pbx: malformed event: %w", err)
	}
	return env, nil
}

// TriggersDial reports whether this event should re-run the dial cycle.
func (e EventEnvelope) TriggersDial() bool {
	switch e.Event.EventType {
	case EventTypeUpsert, EventTypeRemove:
		return true
	default:
		return false
	}
}
