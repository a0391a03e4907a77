package progress

import (
	"log/slog"
	"math"
)

// Sanitizer normalizes raw progress values into [0,1].
// Values in (1,100] are read as percentages. Anything not finite or still
// outside [0,1] is replaced by the last accepted value.
type Sanitizer struct {
	last    float64
	logger  *slog.Logger
	metrics *Metrics
}

// NewSanitizer starts from initial, which is clamped into [0,1].
func NewSanitizer(initial float64, logger *slog.Logger, metrics *Metrics) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{last: Clamp(initial), logger: logger, metrics: metrics}
}

// Sanitize returns the value to fold into state and whether raw was accepted.
func (s *Sanitizer) Sanitize(raw float64) (float64, bool) {
	v := raw
	if !math.IsNaN(v) && !math.IsInf(v, 0) && v > 1 && v <= 100 {
		v /= 100
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		s.logger.Warn("discarding invalid training progress",
			slog.Float64("raw", raw),
			slog.Float64("kept", s.last),
		)
		s.metrics.sanitized()
		return s.last, false
	}
	s.last = v
	return v, true
}

// Last returns the last accepted value.
func (s *Sanitizer) Last() float64 { return s.last }

// Clamp forces v into [0,1]; NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
