package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedPolicyDelays(t *testing.T) {
	p, err := NewFixed(250*time.Millisecond, 3)
	require.NoError(t, err)

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 250*time.Millisecond, p.NextDelay(attempt))
	}
	assert.Equal(t, 3, p.MaxAttempts())
}

func TestLinearPolicyDelays(t *testing.T) {
	p, err := NewLinear(100*time.Millisecond, 50*time.Millisecond, 300*time.Millisecond, 10)
	require.NoError(t, err)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 150 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{5, 300 * time.Millisecond}, // capped
		{9, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialPolicyDelays(t *testing.T) {
	p, err := NewExponential(100*time.Millisecond, 2, 10*time.Second, 5)
	require.NoError(t, err)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{8, 10 * time.Second},  // 12.8s capped
		{60, 10 * time.Second}, // would overflow without the cap
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterBounds(t *testing.T) {
	// rand pinned to the extremes
	low, err := NewFixed(time.Second, 3, WithJitter(300*time.Millisecond), withRandFloat(func() float64 { return 0 }))
	require.NoError(t, err)
	assert.Equal(t, 700*time.Millisecond, low.NextDelay(1))

	high, err := NewFixed(time.Second, 3, WithJitter(300*time.Millisecond), withRandFloat(func() float64 { return 1 }))
	require.NoError(t, err)
	assert.Equal(t, 1300*time.Millisecond, high.NextDelay(1))
}

func TestJitterClampedAtZero(t *testing.T) {
	p, err := NewFixed(100*time.Millisecond, 3, WithJitter(time.Second), withRandFloat(func() float64 { return 0 }))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.NextDelay(1))
}

func TestPolicyValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Policy, error)
	}{
		{"fixed zero delay", func() (*Policy, error) { return NewFixed(0, 3) }},
		{"fixed zero attempts", func() (*Policy, error) { return NewFixed(time.Second, 0) }},
		{"linear zero initial", func() (*Policy, error) { return NewLinear(0, time.Second, time.Minute, 3) }},
		{"linear max below initial", func() (*Policy, error) { return NewLinear(time.Second, time.Second, time.Millisecond, 3) }},
		{"exponential multiplier 1", func() (*Policy, error) { return NewExponential(time.Second, 1, time.Minute, 3) }},
		{"exponential multiplier below 1", func() (*Policy, error) { return NewExponential(time.Second, 0.5, time.Minute, 3) }},
		{"negative jitter", func() (*Policy, error) { return NewFixed(time.Second, 3, WithJitter(-time.Second)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			assert.Error(t, err)
		})
	}
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(Config{
		Policy:       "exponential",
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, KindExponential, p.Kind())
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))

	_, err = FromConfig(Config{Policy: "bogus", MaxAttempts: 1})
	assert.Error(t, err)

	_, err = FromConfig(Config{Policy: "fixed", Delay: time.Second, MaxAttempts: 0})
	assert.Error(t, err)
}
