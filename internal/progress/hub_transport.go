package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// ControlSuffix is appended to a topic for client control commands.
const ControlSuffix = ":control"

// HubTransport carries progress over an in-process streaming.EventHub.
// Embedded hosts and tests publish training events on the hub directly.
type HubTransport struct {
	Hub streaming.EventHub
	// Authorize, when set, vets credentials on Dial.
	Authorize func(Credentials) error
}

// Dial implements Transport.
func (t *HubTransport) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Authorize != nil {
		if err := t.Authorize(creds); err != nil {
			return nil, err
		}
	}
	return &hubConn{hub: t.Hub}, nil
}

type hubConn struct {
	hub streaming.EventHub

	mu     sync.Mutex
	topic  string
	events <-chan streaming.StreamEvent
	cancel func()
}

func (c *hubConn) Subscribe(ctx context.Context, topic string) error {
	ch, cancel, err := c.hub.Subscribe(ctx, streaming.EventFilter{Topic: topic})
	if err != nil {
		return schema.NewError(schema.ErrCodeNetwork, "subscribe "+topic).WithCause(err)
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.topic, c.events, c.cancel = topic, ch, cancel
	c.mu.Unlock()
	return c.Send(ctx, Command{Type: CommandSubscribe, Topic: topic})
}

func (c *hubConn) Receive(ctx context.Context) (Message, error) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return Message{}, schema.NewError(schema.ErrCodeValidation, "receive before subscribe")
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case ev, ok := <-events:
		if !ok {
			return Message{}, ErrClosed
		}
		msg := Message{Event: ev.EventType, Data: map[string]any{}}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &msg.Data); err != nil {
				msg.Data = map[string]any{}
			}
		}
		return msg, nil
	}
}

func (c *hubConn) Send(ctx context.Context, cmd Command) error {
	topic := cmd.Topic
	if topic == "" {
		c.mu.Lock()
		topic = c.topic
		c.mu.Unlock()
	}
	return c.hub.Publish(ctx, streaming.StreamEvent{Topic: topic + ControlSuffix, EventType: cmd.Type})
}

func (c *hubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

// PublishEvent pushes one training event for userID onto hub, the way a
// training backend would.
func PublishEvent(ctx context.Context, hub streaming.EventHub, userID, event string, data map[string]any) error {
	ev, err := streaming.NewEvent(Topic(userID), event, data)
	if err != nil {
		return err
	}
	return hub.Publish(ctx, ev)
}
