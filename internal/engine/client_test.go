package engine

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

func newTestClient(t *testing.T, opts ClientOptions) (*Client, *ClientMetrics) {
	t.Helper()
	m := NewClientMetrics(prometheus.NewRegistry())
	opts.Metrics = m
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return NewClient(opts), m
}

// scripted returns the errors in order, then succeeds with value.
func scripted(calls *atomic.Int32, value string, errs ...error) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		n := int(calls.Add(1))
		if n <= len(errs) {
			return "", errs[n-1]
		}
		return value, nil
	}
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	c, m := newTestClient(t, ClientOptions{MaxAttempts: 3})
	var calls atomic.Int32

	res := Do(context.Background(), c, Call[string]{
		Operation: OpEmailRequest,
		Fn: scripted(&calls, "sent",
			schema.FromHTTPStatus(http.StatusServiceUnavailable, ""),
			schema.FromHTTPStatus(http.StatusServiceUnavailable, ""),
		),
	})
	require.True(t, res.OK())
	assert.Equal(t, "sent", res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())

	assert.InDelta(t, 2, testutil.ToFloat64(m.Attempts.WithLabelValues(OpEmailRequest, "server")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Attempts.WithLabelValues(OpEmailRequest, "success")), 0)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 3})
	var calls atomic.Int32
	netErr := schema.NewError(schema.ErrCodeNetwork, "connection reset")

	res := Do(context.Background(), c, Call[string]{
		Operation: OpEmailRequest,
		Fn:        scripted(&calls, "never", netErr, netErr, netErr, netErr),
	})
	require.False(t, res.OK())
	assert.Equal(t, schema.ErrCodeNetwork, res.Err.Code)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDo_DoesNotRetryFinalErrors(t *testing.T) {
	for _, err := range []*schema.OnboardError{
		schema.FromHTTPStatus(http.StatusBadRequest, "bad code"),
		schema.FromHTTPStatus(http.StatusUnauthorized, "denied"),
	} {
		c, _ := newTestClient(t, ClientOptions{MaxAttempts: 3})
		var calls atomic.Int32
		res := Do(context.Background(), c, Call[string]{Operation: OpEmailVerify, Fn: scripted(&calls, "", err)})
		require.False(t, res.OK())
		assert.Equal(t, err.Code, res.Err.Code)
		assert.EqualValues(t, 1, calls.Load(), err.Code)
	}
}

func TestDo_TimeoutIsRetried(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 2, Timeout: 20 * time.Millisecond})
	var calls atomic.Int32
	var sawCancel atomic.Bool

	res := Do(context.Background(), c, Call[string]{
		Operation: OpRegister,
		Fn: func(ctx context.Context) (string, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				sawCancel.Store(true)
				return "", ctx.Err()
			}
			return "ok", nil
		},
	})
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond, "losing attempt is cancelled")
}

func TestDo_PerCallTimeout(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 1, Timeout: time.Hour})
	res := Do(context.Background(), c, Call[string]{
		Operation: OpRegister,
		Timeout:   10 * time.Millisecond,
		Fn: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	require.False(t, res.OK())
	assert.Equal(t, schema.ErrCodeTimeout, res.Err.Code)
}

func TestDo_CallerCancellation(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 3, RetryDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	go func() {
		for calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	res := Do(ctx, c, Call[string]{
		Operation: OpEmailRequest,
		Fn: func(context.Context) (string, error) {
			calls.Add(1)
			return "", schema.NewError(schema.ErrCodeServer, "down")
		},
	})
	require.False(t, res.OK())
	assert.True(t, res.Err.IsCancelled())
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_CircuitOpenStopsCalls(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 5, Breakers: breakers})
	var calls atomic.Int32

	res := Do(context.Background(), c, Call[string]{
		Operation: OpTrainingStart,
		Fn: func(context.Context) (string, error) {
			calls.Add(1)
			return "", schema.NewError(schema.ErrCodeServer, "down")
		},
	})
	require.False(t, res.OK())
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.Err.Code)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 3, res.Attempts)
}

func TestDo_RedactsBodyInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 1, BaseURL: "https://api.example.com", Logger: logger})

	res := Do(context.Background(), c, Call[string]{
		Operation: OpRegister,
		Method:    http.MethodPost,
		Path:      schema.PathRegister,
		Body:      map[string]any{"email": "ana@example.com", "pin": "s3cret!pin"},
		Fn:        func(context.Context) (string, error) { return "ok", nil },
	})
	require.True(t, res.OK())

	out := buf.String()
	assert.Contains(t, out, "https://api.example.com/v1/users/register")
	assert.Contains(t, out, `"operation":"registration.register"`)
	assert.NotContains(t, out, "s3cret!pin")
}

func TestDo_RateLimitPaces(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{MaxAttempts: 1, RateLimit: RateLimitConfig{PerSecond: 20, Burst: 1}})
	ok := Call[string]{Operation: OpEmailRequest, Fn: func(context.Context) (string, error) { return "ok", nil }}

	start := time.Now()
	for range 3 {
		require.True(t, Do(context.Background(), c, ok).OK())
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
