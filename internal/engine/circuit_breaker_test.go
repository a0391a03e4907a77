package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	r.now = clock.now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := newTestBreakers(3, time.Second)
	assert.NoError(t, r.Allow(OpEmailRequest))
	assert.Equal(t, CircuitClosed, r.State(OpEmailRequest))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestBreakers(3, 10*time.Second)

	r.Failure(OpRegister)
	r.Failure(OpRegister)
	assert.Equal(t, CircuitClosed, r.State(OpRegister))

	assert.Equal(t, CircuitOpen, r.Failure(OpRegister))

	err := r.Allow(OpRegister)
	require.Error(t, err)
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, oe.Code)
	assert.False(t, oe.IsRetryable())

	// Other operations are unaffected.
	assert.NoError(t, r.Allow(OpEmailRequest))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r, _ := newTestBreakers(3, 10*time.Second)

	r.Failure(OpEmailVerify)
	r.Failure(OpEmailVerify)
	r.Success(OpEmailVerify)
	r.Failure(OpEmailVerify)
	r.Failure(OpEmailVerify)
	assert.Equal(t, CircuitClosed, r.State(OpEmailVerify))

	r.Failure(OpEmailVerify)
	assert.Equal(t, CircuitOpen, r.State(OpEmailVerify))
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	r, clock := newTestBreakers(2, 30*time.Second)
	r.Failure(OpPlatformAuth)
	r.Failure(OpPlatformAuth)

	clock.advance(29 * time.Second)
	require.Error(t, r.Allow(OpPlatformAuth))

	clock.advance(time.Second)
	assert.Equal(t, CircuitHalfOpen, r.State(OpPlatformAuth))
	require.NoError(t, r.Allow(OpPlatformAuth), "first trial call is let through")
	require.Error(t, r.Allow(OpPlatformAuth), "only one trial call at a time")

	r.Success(OpPlatformAuth)
	assert.Equal(t, CircuitClosed, r.State(OpPlatformAuth))
	assert.NoError(t, r.Allow(OpPlatformAuth))
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	r, clock := newTestBreakers(2, 30*time.Second)
	r.Failure(OpTrainingStart)
	r.Failure(OpTrainingStart)
	clock.advance(30 * time.Second)

	require.NoError(t, r.Allow(OpTrainingStart))
	assert.Equal(t, CircuitOpen, r.Failure(OpTrainingStart))
	require.Error(t, r.Allow(OpTrainingStart))
}

func TestCircuitBreaker_ReleaseFreesTrial(t *testing.T) {
	r, clock := newTestBreakers(1, time.Second)
	r.Failure(OpRegister)
	clock.advance(time.Second)

	require.NoError(t, r.Allow(OpRegister))
	r.Release(OpRegister)
	assert.NoError(t, r.Allow(OpRegister))
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	r, _ := newTestBreakers(0, time.Second)
	for range 10 {
		r.Failure(OpRegister)
	}
	assert.NoError(t, r.Allow(OpRegister))

	var nilRegistry *CircuitBreakerRegistry
	assert.NoError(t, nilRegistry.Allow(OpRegister))
	assert.Equal(t, CircuitClosed, nilRegistry.Failure(OpRegister))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}
