package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("test-trip", testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test-recover", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test-reopen", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	time.Sleep(50 * time.Millisecond)

	assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 5 // keep it half-open during the probe
	b := New("test-probes", cfg, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	time.Sleep(50 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Execute(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	err := b.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test-streak", testConfig(), zap.NewNop())
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), succeed)
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "streak broken by a success must not trip")
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b := New("test-panic", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			b.Execute(context.Background(), func() error { panic("kaboom") })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
}
