package store

import (
	"encoding/json"
	"time"
)

// Event is an immutable entry in the workflow journal.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Step       string          `json:"step,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Step       string     `json:"step,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
