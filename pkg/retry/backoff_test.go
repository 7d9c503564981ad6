package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		attempt  int
		expected time.Duration
	}{
		{
			name:     "first retry uses initial delay",
			cfg:      Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2},
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "doubles per attempt",
			cfg:      Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2},
			attempt:  3,
			expected: 800 * time.Millisecond,
		},
		{
			name:     "capped at max",
			cfg:      Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2},
			attempt:  10,
			expected: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Delay(tt.cfg, tt.attempt))
		})
	}
}

func TestDelayJitterNeverExceedsCap(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < 100; i++ {
		d := Delay(cfg, 20)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		assert.GreaterOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*0.85))
	}
}

func TestWithBackoff(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), fastConfig(), logger, "op", func() error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("down")
		err := WithBackoff(context.Background(), fastConfig(), logger, "op", func() error {
			calls++
			return sentinel
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 4, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		cfg := fastConfig()
		permanent := errors.New("permanent")
		cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

		calls := 0
		err := WithBackoff(context.Background(), cfg, logger, "op", func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithBackoff(ctx, fastConfig(), logger, "op", func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
