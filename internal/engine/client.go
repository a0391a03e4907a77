package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/pkg/schema"
)

// ClientMetrics are the retrying client's Prometheus collectors.
type ClientMetrics struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewClientMetrics registers the client metrics on reg.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	f := promauto.With(reg)
	return &ClientMetrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_client_attempts_total",
			Help: "Collaborator call attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboard_client_call_duration_seconds",
			Help:    "Duration of individual collaborator call attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *ClientMetrics) observe(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(op, outcome).Inc()
	m.Duration.WithLabelValues(op).Observe(d.Seconds())
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	RateLimit   RateLimitConfig
	Breakers    *CircuitBreakerRegistry
	Metrics     *ClientMetrics
	Logger      *slog.Logger
}

// Client runs collaborator calls with a timeout, bounded retries, pacing
// and per-operation circuit breaking.
type Client struct {
	opts    ClientOptions
	limiter *rate.Limiter
}

// NewClient applies defaults to opts.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{opts: opts}
	if opts.RateLimit.PerSecond > 0 {
		burst := max(opts.RateLimit.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit.PerSecond), burst)
	}
	return c
}

// NewClientFromConfig builds a Client from the coordinator config.
func NewClientFromConfig(cfg Config, metrics *ClientMetrics, logger *slog.Logger) *Client {
	t := cfg.timings()
	return NewClient(ClientOptions{
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  t.RetryDelay,
		RateLimit:   cfg.RateLimit,
		Breakers:    NewCircuitBreakerRegistry(cfg.Breaker),
		Metrics:     metrics,
		Logger:      logger,
	})
}

// Call describes one collaborator operation.
type Call[T any] struct {
	// Operation names the call for breakers, metrics and logs.
	Operation string
	Method    string
	Path      string
	// Body is logged (redacted) but never sent by the client itself.
	Body any
	// Timeout overrides the client default for this call.
	Timeout time.Duration
	Fn      func(ctx context.Context) (T, error)
}

type callInfo struct {
	Operation, Method, Path string
	Body                    any
}

func (c Call[T]) describe() callInfo {
	return callInfo{Operation: c.Operation, Method: c.Method, Path: c.Path, Body: c.Body}
}

// Result is the outcome of Do. Exactly one of Value and Err is meaningful.
type Result[T any] struct {
	Value    T
	Err      *schema.OnboardError
	Attempts int
}

// OK reports success.
func (r Result[T]) OK() bool { return r.Err == nil }

// Do runs call, retrying retryable failures with a fixed delay.
func Do[T any](ctx context.Context, c *Client, call Call[T]) Result[T] {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx = logging.WithOperation(ctx, call.Operation)

	var (
		res     Result[T]
		lastErr *schema.OnboardError
	)
	op := func() error {
		res.Attempts++
		v, err := attempt(ctx, c, call, timeout, res.Attempts)
		if err == nil {
			res.Value = v
			return nil
		}
		lastErr = err
		if !err.IsRetryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(c.opts.RetryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		if lastErr == nil || ctx.Err() != nil {
			lastErr = Classify(err)
		}
		res.Err = lastErr
	}
	return res
}

func attempt[T any](ctx context.Context, c *Client, call Call[T], timeout time.Duration, n int) (T, *schema.OnboardError) {
	var zero T
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, Classify(err)
		}
	}
	if err := c.opts.Breakers.Allow(call.Operation); err != nil {
		c.record(ctx, call.describe(), n, 0, Classify(err))
		return zero, Classify(err)
	}

	start := time.Now()
	v, err := race(ctx, timeout, call.Fn)
	elapsed := time.Since(start)

	oe := Classify(err)
	switch {
	case oe == nil:
		c.opts.Breakers.Success(call.Operation)
	case oe.IsRetryable():
		c.opts.Breakers.Failure(call.Operation)
	case oe.IsCancelled():
		c.opts.Breakers.Release(call.Operation)
	default:
		c.opts.Breakers.Success(call.Operation)
	}
	c.record(ctx, call.describe(), n, elapsed, oe)
	return v, oe
}

func (c *Client) record(ctx context.Context, call callInfo, n int, elapsed time.Duration, err *schema.OnboardError) {
	outcome := "success"
	level := slog.LevelDebug
	if err != nil {
		outcome = strings.ToLower(err.Code)
		level = slog.LevelWarn
	}
	c.opts.Metrics.observe(call.Operation, outcome, elapsed)

	logger := logging.LogWith(ctx, c.opts.Logger)
	attrs := []slog.Attr{
		slog.String("method", call.Method),
		slog.String("url", c.opts.BaseURL+call.Path),
		slog.Int("attempt", n),
		slog.Int("max_attempts", c.opts.MaxAttempts),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
	}
	if call.Body != nil {
		attrs = append(attrs, slog.Any("body", logging.RedactBody(call.Body, logging.TraceEnabled(ctx, logger))))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if err.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", err.StatusCode))
		}
	}
	logger.LogAttrs(ctx, level, "collaborator call", attrs...)
}

// race runs fn against a timer. The loser is cancelled through ctx; a fn that
// ignores cancellation keeps running but its result is discarded.
func race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(cctx)
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		return zero, schema.NewErrorf(schema.ErrCodeTimeout, "no response within %s", timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
