package eventqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/config"
)

func testBreaker() *Breaker {
	return NewBreaker(config.BreakerConfig{Threshold: 3, OpenSeconds: 1, CallTimeout: 50 * time.Millisecond})
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker()
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), failing)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b := testBreaker()
	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(1100 * time.Millisecond)

	called := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := testBreaker()
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	assert.Equal(t, StateClosed, b.State(), "success should have reset the consecutive-failure count")
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	b := testBreaker()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), slow)
	}
	assert.Equal(t, StateOpen, b.State())
}
