package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// EventLog provides journal operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records one journal entry. Payload is marshaled to JSON when non-nil.
func (el *EventLog) Append(ctx context.Context, workflowID string, step schema.Step, eventType string, payload any) (*Event, error) {
	ev := &Event{
		WorkflowID: workflowID,
		Step:       string(step),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, ev); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append %s: %s", eventType, err.Error()).WithCause(err)
	}
	return ev, nil
}

// Journey is a workflow run reconstructed from its journal.
type Journey struct {
	WorkflowID string            `json:"workflow_id"`
	Steps      []schema.Step     `json:"steps"`
	LastStep   schema.Step       `json:"last_step"`
	Outcome    schema.ResultKind `json:"outcome,omitempty"`
	Platforms  []string          `json:"platforms,omitempty"`
	Failures   int               `json:"failures"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Events     int               `json:"events"`
}

type platformPayload struct {
	PlatformID string `json:"platform_id"`
}

// Replay folds all events of a workflow into a Journey.
// Returns an error if the sequence has gaps.
func (el *EventLog) Replay(ctx context.Context, workflowID string) (*Journey, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no journal for workflow %q", workflowID)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	j := &Journey{
		WorkflowID: workflowID,
		StartedAt:  events[0].Timestamp,
		Events:     len(events),
	}
	connected := make(map[string]bool)
	var order []string

	for _, e := range events {
		step := schema.Step(e.Step)

		switch e.Type {
		case schema.EventWorkflowStarted:
			j.StartedAt = e.Timestamp
		case schema.EventStepEntered, schema.EventStepRetreated, schema.EventStepAutoSkip:
			j.Steps = append(j.Steps, step)
			j.LastStep = step
		case schema.EventStepFailed:
			j.Failures++
		case schema.EventPlatformConnected, schema.EventPlatformDisconnected:
			var p platformPayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil && p.PlatformID != "" {
				if e.Type == schema.EventPlatformConnected {
					if _, seen := connected[p.PlatformID]; !seen {
						order = append(order, p.PlatformID)
					}
					connected[p.PlatformID] = true
				} else {
					connected[p.PlatformID] = false
				}
			}
		case schema.EventWorkflowCompleted:
			j.Outcome = schema.ResultSuccess
			j.end(e.Timestamp)
		case schema.EventWorkflowCancelled:
			j.Outcome = schema.ResultCancelled
			j.LastStep = schema.StepCancelled
			j.end(e.Timestamp)
		case schema.EventWorkflowFailed:
			j.Outcome = schema.ResultFailure
			j.end(e.Timestamp)
		}
	}

	for _, id := range order {
		if connected[id] {
			j.Platforms = append(j.Platforms, id)
		}
	}
	return j, nil
}

func (j *Journey) end(ts time.Time) {
	t := ts
	j.EndedAt = &t
}
