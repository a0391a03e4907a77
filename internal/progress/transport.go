// Package progress streams server-side training progress to the coordinator
// over a reconnecting duplex connection and falls back to a local simulation
// when the connection cannot be kept alive.
package progress

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/onboard/pkg/schema"
)

// Wire event names pushed by the training service.
const (
	EventETAUpdate               = "etaUpdate"
	EventStatusUpdate            = "statusUpdate"
	EventJobCompleted            = "jobCompleted"
	EventPostProcessingCompleted = "postProcessingCompleted"
	EventStandby                 = "standby"
)

// Control commands the client may send. The client never emits progress.
const (
	CommandSubscribe = "subscribe"
	CommandCancel    = "cancel"
)

// ErrClosed is returned by Conn.Receive once the connection is closed.
var ErrClosed = errors.New("progress: connection closed")

// Credentials authenticate a Dial.
type Credentials struct {
	Token  string
	UserID string
}

// Command is a client-to-server control message.
type Command struct {
	Type  string `json:"type" msgpack:"type"`
	Topic string `json:"topic" msgpack:"topic"`
}

// Message is one server push as delivered by a transport: the wire event
// name plus its generically decoded payload.
type Message struct {
	Event string
	Data  map[string]any
}

// Transport opens progress connections.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one live duplex progress connection.
type Conn interface {
	// Subscribe joins topic; subsequent Receive calls yield its events.
	Subscribe(ctx context.Context, topic string) error
	// Receive blocks for the next server push.
	Receive(ctx context.Context) (Message, error)
	// Send delivers a control command.
	Send(ctx context.Context, cmd Command) error
	Close() error
}

// Topic returns the logical topic for a user's training job.
func Topic(userID string) string {
	return "training:" + userID
}

// UserFromTopic is the inverse of Topic.
func UserFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, "training:")
}

// IsHardFailure reports errors that make reconnecting pointless,
// such as a rejected credential.
func IsHardFailure(err error) bool {
	var oe *schema.OnboardError
	if errors.As(err, &oe) {
		return oe.Code == schema.ErrCodeAuth || oe.Code == schema.ErrCodeValidation
	}
	return false
}
