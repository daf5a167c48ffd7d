package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerNew(t *testing.T) {
	b := New("change-bus")
	assert.Equal(t, "change-bus", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "closed", b.State().String())
}

// outcome is one recorded result: true for success.
type outcome bool

const (
	ok   outcome = true
	fail outcome = false
)

func TestBreakerSequences(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		successes int
		outcomes  []outcome
		wantOpen  bool
	}{
		{name: "below the failure threshold", failures: 3, successes: 2, outcomes: []outcome{fail, fail}, wantOpen: false},
		{name: "opens at the failure threshold", failures: 3, successes: 2, outcomes: []outcome{fail, fail, fail}, wantOpen: true},
		{name: "a success while closed resets failures", failures: 3, successes: 2, outcomes: []outcome{fail, fail, ok, fail, fail}, wantOpen: false},
		{name: "stays open until enough successes", failures: 1, successes: 2, outcomes: []outcome{fail, ok}, wantOpen: true},
		{name: "closes after the success threshold", failures: 1, successes: 2, outcomes: []outcome{fail, ok, ok}, wantOpen: false},
		{name: "a failure while open restarts recovery", failures: 1, successes: 3, outcomes: []outcome{fail, ok, ok, fail, ok, ok}, wantOpen: true},
		{name: "recovers after an interrupted run", failures: 1, successes: 3, outcomes: []outcome{fail, ok, ok, fail, ok, ok, ok}, wantOpen: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("change-bus", WithFailureThreshold(tt.failures), WithSuccessThreshold(tt.successes))
			for _, o := range tt.outcomes {
				if o {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
			}
			assert.Equal(t, tt.wantOpen, b.IsOpen())
		})
	}
}

func TestBreakerReportsTransitionsOnce(t *testing.T) {
	b := New("change-bus", WithFailureThreshold(2), WithSuccessThreshold(1))

	fallback, change := b.RecordFailure()
	assert.False(t, fallback)
	assert.Equal(t, Change{}, change)

	fallback, change = b.RecordFailure()
	assert.True(t, fallback)
	assert.Equal(t, Change{Opened: true}, change)

	fallback, change = b.RecordFailure()
	assert.True(t, fallback, "an open circuit keeps using the fallback")
	assert.Equal(t, Change{}, change)

	primary, change := b.RecordSuccess()
	assert.True(t, primary)
	assert.Equal(t, Change{Closed: true}, change)

	primary, change = b.RecordSuccess()
	assert.True(t, primary)
	assert.Equal(t, Change{}, change)
}

func TestBreakerReset(t *testing.T) {
	b := New("change-bus", WithFailureThreshold(1))
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	_, change := b.RecordFailure()
	assert.True(t, change.Opened, "counters start from zero after a reset")
}

func TestBreakerIgnoresNonPositiveThresholds(t *testing.T) {
	b := New("change-bus", WithFailureThreshold(0), WithSuccessThreshold(-1))
	for range 4 {
		b.RecordFailure()
	}
	assert.False(t, b.IsOpen(), "default threshold of five applies")
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreakerCooldown(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := New("ops-audit",
		WithFailureThreshold(2),
		WithSuccessThreshold(1),
		WithCooldown(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow(), "an attempt is let through after the cooldown")
	fallback, _ := b.RecordFailure()
	assert.True(t, fallback)
	assert.False(t, b.Allow(), "a failed attempt restarts the cooldown")

	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())
	_, change := b.RecordSuccess()
	assert.True(t, change.Closed)
	assert.True(t, b.Allow())
}

func TestBreakerWithoutCooldownRefusesWhileOpen(t *testing.T) {
	b := New("change-bus", WithFailureThreshold(1))
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())
}
