// Package natstransport carries training progress over NATS. Each user's
// events are published on training.<userID>; control commands go to
// training.<userID>.control.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

const subjectPrefix = "training."

// Subject maps a progress topic onto a NATS subject.
func Subject(topic string) string {
	if user, ok := progress.UserFromTopic(topic); ok {
		return subjectPrefix + user
	}
	return strings.ReplaceAll(topic, ":", ".")
}

// ControlSubject is where the client publishes commands for topic.
func ControlSubject(topic string) string {
	return Subject(topic) + ".control"
}

// envelope is the body of every progress message on the wire.
type envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Transport dials a NATS server for every connection attempt. NATS-level
// reconnects are disabled so the progress channel stays in charge of retries.
type Transport struct {
	URL     string
	Name    string
	Options []nats.Option
	Logger  *slog.Logger
}

// New returns a Transport for url.
func New(url string, logger *slog.Logger, opts ...nats.Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{URL: url, Name: "onboard-progress", Options: opts, Logger: logger}
}

// Dial implements progress.Transport.
func (t *Transport) Dial(ctx context.Context, creds progress.Credentials) (progress.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []nats.Option{nats.Name(t.Name), nats.NoReconnect()}
	if creds.Token != "" {
		opts = append(opts, nats.Token(creds.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(max(time.Until(deadline), time.Millisecond)))
	}
	opts = append(opts, t.Options...)
	closed := make(chan struct{})
	opts = append(opts, nats.ClosedHandler(func(*nats.Conn) { close(closed) }))

	nc, err := nats.Connect(t.URL, opts...)
	if err != nil {
		return nil, classify(err)
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &conn{nc: nc, logger: logger, closed: closed}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrAuthExpired), errors.Is(err, nats.ErrAuthRevoked):
		return schema.NewError(schema.ErrCodeAuth, "nats rejected credentials").WithCause(err)
	case errors.Is(err, nats.ErrTimeout):
		return schema.NewError(schema.ErrCodeTimeout, "nats connect timed out").WithCause(err)
	default:
		return schema.NewError(schema.ErrCodeNetwork, "nats connect").WithCause(err)
	}
}

type conn struct {
	nc     *nats.Conn
	logger *slog.Logger
	closed <-chan struct{}

	mu    sync.Mutex
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	topic string
}

func (c *conn) Subscribe(_ context.Context, topic string) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := c.nc.ChanSubscribe(Subject(topic), msgs)
	if err != nil {
		return schema.NewError(schema.ErrCodeNetwork, "nats subscribe").WithCause(err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return schema.NewError(schema.ErrCodeNetwork, "nats flush").WithCause(err)
	}

	c.mu.Lock()
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.sub, c.msgs, c.topic = sub, msgs, topic
	c.mu.Unlock()
	return nil
}

func (c *conn) Receive(ctx context.Context) (progress.Message, error) {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	if msgs == nil {
		return progress.Message{}, schema.NewError(schema.ErrCodeValidation, "receive before subscribe")
	}

	for {
		select {
		case <-ctx.Done():
			return progress.Message{}, ctx.Err()
		case <-c.closed:
			return progress.Message{}, progress.ErrClosed
		case m := <-msgs:
			msg, err := DecodeMessage(m.Data)
			if err != nil {
				c.logger.Warn("dropping malformed progress message",
					slog.String("subject", m.Subject),
					slog.String("error", err.Error()),
				)
				continue
			}
			return msg, nil
		}
	}
}

func (c *conn) Send(ctx context.Context, cmd progress.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := cmd.Topic
	if topic == "" {
		c.mu.Lock()
		topic = c.topic
		c.mu.Unlock()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := c.nc.Publish(ControlSubject(topic), data); err != nil {
		return schema.NewError(schema.ErrCodeNetwork, "nats publish").WithCause(err)
	}
	return c.nc.Flush()
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	c.mu.Unlock()
	c.nc.Close()
	return nil
}

// DecodeMessage parses a wire body into a progress.Message.
func DecodeMessage(body []byte) (progress.Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return progress.Message{}, fmt.Errorf("decode progress message: %w", err)
	}
	if env.Event == "" {
		return progress.Message{}, errors.New("decode progress message: missing event")
	}
	return progress.Message{Event: env.Event, Data: env.Data}, nil
}

// EncodeMessage is the inverse of DecodeMessage.
func EncodeMessage(event string, data map[string]any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: data})
}

// Publish pushes one training event for userID, the way a training
// backend would.
func Publish(nc *nats.Conn, userID, event string, data map[string]any) error {
	body, err := EncodeMessage(event, data)
	if err != nil {
		return err
	}
	return nc.Publish(Subject(progress.Topic(userID)), body)
}

var _ progress.Transport = (*Transport)(nil)
