package streaming

import (
	"context"
	"encoding/json"
)

// StreamEvent is a message published on a topic. Topics are opaque strings
// such as "workflow:<id>" or "training:<user>".
type StreamEvent struct {
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventFilter selects which events a subscriber receives.
type EventFilter struct {
	Topic      string   `json:"topic,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is a topic-keyed publish/subscribe hub.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// NewEvent marshals payload into a StreamEvent.
func NewEvent(topic, eventType string, payload any) (StreamEvent, error) {
	evt := StreamEvent{Topic: topic, EventType: eventType}
	if payload == nil {
		return evt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return evt, err
	}
	evt.Payload = raw
	return evt, nil
}
