package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/scheduler"
	"github.com/rendis/onboard/pkg/schema"
)

// UpdateKind classifies what the coordinator should fold into state.
type UpdateKind int

const (
	UpdateProgress UpdateKind = iota
	UpdateStatus
	UpdateFinished
	UpdateFallback
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateProgress:
		return "progress"
	case UpdateStatus:
		return "status"
	case UpdateFinished:
		return "finished"
	case UpdateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Update is a sanitized, generation-tagged notification for the coordinator.
type Update struct {
	Generation  uint64
	Kind        UpdateKind
	Source      schema.TrainingSource
	Progress    float64
	HasProgress bool
	ETASeconds  float64
	Status      string
	Err         error
}

// Sink receives updates on the channel's goroutine. It may block until the
// consumer accepts the update.
type Sink func(Update)

// Options configures a Channel.
type Options struct {
	Transport      Transport
	Decoder        *Decoder
	Credentials    Credentials
	MaxReconnects  int
	ReconnectDelay time.Duration
	Initial        float64
	Logger         *slog.Logger
	Metrics        *Metrics
}

// Channel is one generation of the training progress connection.
type Channel struct {
	gen       uint64
	opts      Options
	sink      Sink
	sanitizer *Sanitizer
	logger    *slog.Logger

	mu       sync.Mutex
	conn     Conn
	cancel   context.CancelFunc
	closed   bool
	finished bool
	done     chan struct{}
}

// NewChannel creates a channel for generation gen. Nothing is dialed until Run.
func NewChannel(gen uint64, opts Options, sink Sink) (*Channel, error) {
	if opts.Transport == nil {
		return nil, errors.New("progress: transport is required")
	}
	if opts.Credentials.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "progress channel requires a user id")
	}
	if opts.Decoder == nil {
		d, err := NewDecoder(FieldQueries{})
		if err != nil {
			return nil, err
		}
		opts.Decoder = d
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("component", "progress_channel"), slog.Uint64("generation", gen))
	return &Channel{
		gen:       gen,
		opts:      opts,
		sink:      sink,
		sanitizer: NewSanitizer(opts.Initial, logger, opts.Metrics),
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Generation returns the generation this channel reports under.
func (c *Channel) Generation() uint64 { return c.gen }

// Done is closed when Run returns.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Run connects, subscribes and pumps events until the job finishes, the
// channel is closed, or reconnects are exhausted. Exhaustion and hard
// failures are reported as a single UpdateFallback.
func (c *Channel) Run(ctx context.Context) {
	defer close(c.done)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(logging.WithGeneration(ctx, c.gen))
	c.mu.Unlock()
	defer c.cancel()

	topic := Topic(c.opts.Credentials.UserID)
	failures := 0

	for {
		conn, err := c.connect(ctx, topic)
		if err == nil {
			var delivered bool
			delivered, err = c.pump(ctx, conn)
			c.detach(conn)
			// A connection that never delivered an event counts against the budget.
			if delivered {
				failures = 0
			}
			if c.isFinished() || ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if IsHardFailure(err) {
			c.fallback("hard_failure", err)
			return
		}
		failures++
		c.logger.WarnContext(ctx, "progress channel attempt failed",
			slog.Int("attempt", failures),
			slog.Int("max", c.opts.MaxReconnects),
			slog.String("error", errString(err)),
		)
		if failures >= c.opts.MaxReconnects {
			c.fallback("reconnects_exhausted", err)
			return
		}
		c.opts.Metrics.reconnect()
		if scheduler.Sleep(ctx, c.opts.ReconnectDelay) != nil {
			return
		}
	}
}

func (c *Channel) connect(ctx context.Context, topic string) (Conn, error) {
	conn, err := c.opts.Transport.Dial(ctx, c.opts.Credentials)
	if err != nil {
		return nil, err
	}
	if err := conn.Subscribe(ctx, topic); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "progress channel subscribed", slog.String("topic", topic))
	return conn, nil
}

// detach closes conn unless Close already took it over.
func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
	}
	c.mu.Unlock()
	if owned {
		_ = conn.Close()
	}
}

// pump returns a nil error once the job finished, or the receive error
// otherwise. The bool reports whether at least one event was decoded.
func (c *Channel) pump(ctx context.Context, conn Conn) (bool, error) {
	delivered := false
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return delivered, err
		}
		ev, err := c.opts.Decoder.Decode(ctx, msg)
		if err != nil {
			c.logger.WarnContext(ctx, "dropping undecodable progress event",
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered = true
		if c.apply(ev) {
			c.markFinished()
			return true, nil
		}
	}
}

// apply forwards one event and reports whether it finished the job.
func (c *Channel) apply(ev schema.TrainingProgressEvent) bool {
	u := Update{Generation: c.gen, Source: schema.TrainingSourceChannel, Status: ev.Status}

	switch ev.Kind {
	case schema.ProgressETAUpdate:
		u.Kind = UpdateProgress
		if ev.HasPercent {
			u.Progress, _ = c.sanitizer.Sanitize(ev.Percentage)
		} else {
			u.Progress = c.sanitizer.Last()
		}
		u.HasProgress = true
		u.ETASeconds = ev.ETASeconds
	case schema.ProgressStandby:
		if ev.Completed {
			u.Kind = UpdateFinished
			u.Progress, u.HasProgress = 1, true
			c.sink(u)
			return true
		}
		u.Kind = UpdateStatus
	case schema.ProgressJobCompleted:
		u.Kind = UpdateStatus
		if u.Status == "" {
			u.Status = "Training job completed"
		}
	case schema.ProgressPostProcessingCompleted:
		u.Kind = UpdateStatus
		if u.Status == "" {
			u.Status = "Post-processing completed"
		}
	default:
		u.Kind = UpdateStatus
	}

	c.sink(u)
	return false
}

func (c *Channel) fallback(reason string, err error) {
	c.opts.Metrics.fallback(reason)
	c.logger.Warn("progress channel falling back to local simulation",
		slog.String("reason", reason),
		slog.String("error", errString(err)),
	)
	c.sink(Update{
		Generation:  c.gen,
		Kind:        UpdateFallback,
		Progress:    c.sanitizer.Last(),
		HasProgress: true,
		Err:         fmt.Errorf("%s: %w", reason, err),
	})
}

func (c *Channel) markFinished() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

func (c *Channel) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// closeTimeout bounds the cancel command sent on Close.
const closeTimeout = time.Second

// Close tears the channel down without blocking: Run is stopped at once, and
// the cancel command plus the connection close happen on their own goroutine.
// Safe to call repeatedly.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, finished, cancel := c.conn, c.finished, c.cancel
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	topic := Topic(c.opts.Credentials.UserID)
	go func() {
		if !finished {
			ctx, stop := context.WithTimeout(context.Background(), closeTimeout)
			if err := conn.Send(ctx, Command{Type: CommandCancel, Topic: topic}); err != nil {
				c.logger.Debug("send cancel command", slog.String("error", err.Error()))
			}
			stop()
		}
		_ = conn.Close()
	}()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
