package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rendis/onboard/pkg/schema"
)

// Classify maps any error onto the OnboardError taxonomy. Typed errors keep
// their code; context, net.Error and well-known transport messages are
// recognized; anything else is reported as a server error.
func Classify(err error) *schema.OnboardError {
	if err == nil {
		return nil
	}

	var oe *schema.OnboardError
	if errors.As(err, &oe) {
		return oe
	}

	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "operation cancelled").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "operation timed out").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.NewError(schema.ErrCodeTimeout, err.Error()).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeNetwork, err.Error()).WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []struct {
		pattern string
		code    string
	}{
		{"i/o timeout", schema.ErrCodeTimeout},
		{"deadline exceeded", schema.ErrCodeTimeout},
		{"connection refused", schema.ErrCodeNetwork},
		{"connection reset", schema.ErrCodeNetwork},
		{"broken pipe", schema.ErrCodeNetwork},
		{"no such host", schema.ErrCodeNetwork},
		{"eof", schema.ErrCodeNetwork},
		{"too many requests", schema.ErrCodeRateLimited},
		{"unauthorized", schema.ErrCodeAuth},
		{"forbidden", schema.ErrCodeAuth},
		{"service unavailable", schema.ErrCodeServer},
		{"bad gateway", schema.ErrCodeServer},
		{"gateway timeout", schema.ErrCodeTimeout},
	} {
		if strings.Contains(msg, p.pattern) {
			return schema.NewError(p.code, err.Error()).WithCause(err)
		}
	}

	return schema.NewError(schema.ErrCodeServer, err.Error()).WithCause(err)
}

// IsRetryable reports whether the retrying client may repeat a call that
// failed with err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).IsRetryable()
}
