package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", threshold, timeout)
	cb.SetClock(clock.Now)
	cb.SetStateChangeHandler(func(string, State, State) {})
	return cb, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	cb, clock := newTestBreaker(5, time.Minute)
	cb.Trip("invalid api key")
	assert.False(t, cb.Allow())
	assert.Equal(t, "invalid api key", cb.Reason())

	clock.now = clock.now.Add(time.Minute)
	assert.True(t, cb.Allow(), "trial call admitted after timeout")
	assert.False(t, cb.Allow(), "only one trial call while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.RecordFailure()
	clock.now = clock.now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_ResetHalfOpenReadmitsTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.Trip("invalid api key")
	clock.now = clock.now.Add(time.Minute)
	assert.True(t, cb.Allow())

	cb.ResetHalfOpen()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, "invalid api key", cb.Reason())
	assert.True(t, cb.Allow(), "returned slot is handed out again")
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.ResetHalfOpen()
	assert.Equal(t, StateClosed, cb.State(), "no-op once closed")
}
