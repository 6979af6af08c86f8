// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock abstracts time for deterministic testing
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test_cb", 2, 2, time.Minute, 100*time.Millisecond, WithClock(clk))

	assert.Equal(t, StateClosed, cb.GetState())

	// 1st attempt/failure: one short of minAttempts, stays closed.
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState())

	// 2nd attempt/failure: threshold and minAttempts both satisfied, trips open.
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateOpen, cb.GetState())

	// Requests are rejected while open, before the reset timeout.
	assert.False(t, cb.AllowRequest())

	clk.Advance(150 * time.Millisecond)

	// Past the reset timeout, one request is let through into half-open.
	assert.True(t, cb.AllowRequest())

	// Default successThreshold of 3 closes it again.
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test_cb", 1, 1, time.Minute, 100*time.Millisecond, WithClock(clk))

	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateOpen, cb.GetState())

	clk.Advance(150 * time.Millisecond)
	assert.True(t, cb.AllowRequest()) // transitions into half-open

	cb.RecordTechnicalFailure()
	assert.Equal(t, StateOpen, cb.GetState(), "a failure during half-open must reopen immediately")
}

func TestCircuitBreaker_MinAttemptsGuardsAgainstSingleFailure(t *testing.T) {
	cb := NewCircuitBreaker("quiet_cb", 1, 5, time.Minute, time.Minute)

	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "one attempt must not satisfy a minAttempts of 5")
}

func TestCircuitBreaker_WindowExpiryPrunesOldFailures(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("sliding_cb", 2, 2, 100*time.Millisecond, time.Minute, WithClock(clk))

	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState())

	clk.Advance(200 * time.Millisecond) // outside the window; the first event is pruned

	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "a stale attempt/failure outside the window must not count toward the threshold")
}

func TestCircuitBreaker_Execute_PropagatesErrorThenRunsNextCall(t *testing.T) {
	cb := NewCircuitBreaker("exec_cb", 1, 1, time.Minute, time.Hour)

	boom := errors.New("boom")
	err := cb.Execute(func() error { return boom })
	assert.Equal(t, boom, err)

	err = cb.Execute(func() error { return nil })
	assert.NoError(t, err)
}

func TestCircuitBreaker_Execute_RejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("exec_open_cb", 1, 1, time.Minute, time.Hour)

	// Force the breaker open directly, independent of Execute's own
	// (attempt-less) failure accounting.
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	require := assert.New(t)
	require.Equal(StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(err, ErrCircuitOpen)
	require.False(called)
}

func TestCircuitBreaker_PanicRecovery(t *testing.T) {
	cb := NewCircuitBreaker("panic_cb", 1, 1, time.Minute, time.Minute, WithPanicRecovery(true))

	assert.Panics(t, func() {
		_ = cb.Execute(func() error {
			panic("oops")
		})
	})

	// Execute alone never calls RecordAttempt, so the attempt-less
	// technical failure it records cannot satisfy minAttempts on its own;
	// the breaker stays closed until paired with an explicit RecordAttempt.
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_ResetGivesConsecutiveFailureSemantics(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("consecutive_cb", 3, 1, time.Hour, time.Hour, WithClock(clk))

	// Two failures, then a success resets the window: the breaker must
	// not trip on the third failure that follows, since it isn't
	// consecutive with the first two.
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())

	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateClosed, cb.GetState())

	// Three consecutive failures since the last Reset trips it open.
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	cb.RecordAttempt()
	cb.RecordTechnicalFailure()
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
