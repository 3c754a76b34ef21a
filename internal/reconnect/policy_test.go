package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BackoffGrowsAndCaps(t *testing.T) {
	p := New(Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	})

	d1, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 1*time.Second, d1)

	d2, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d2)

	d3, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d3)

	d4, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, d4)

	// Capped at MaxDelay from here on.
	d5, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d5)

	assert.Equal(t, 5, p.Attempt())
}

func TestPolicy_MaxAttemptsZeroIsUnlimited(t *testing.T) {
	p := New(Config{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     1 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  0,
	})
	for i := 0; i < 1000; i++ {
		_, ok := p.Next()
		require.True(t, ok)
	}
}

func TestPolicy_MaxAttemptsExhausted(t *testing.T) {
	p := New(Config{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     1 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})
	for i := 0; i < 3; i++ {
		_, ok := p.Next()
		require.True(t, ok)
	}
	_, ok := p.Next()
	assert.False(t, ok)
}

func TestPolicy_ResetRestoresInitialState(t *testing.T) {
	p := New(Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	})
	p.Next()
	p.Next()
	assert.Equal(t, 2, p.Attempt())

	p.Reset()
	assert.Equal(t, 0, p.Attempt())

	d, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 1*time.Second, d)
}

func TestPolicy_AttemptMonotoneWithinFailureRun(t *testing.T) {
	p := New(Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 1.5})
	last := -1
	for i := 0; i < 5; i++ {
		p.Next()
		assert.Greater(t, p.Attempt(), last)
		last = p.Attempt()
	}
}
