package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTicker_RunsAndStops(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	var runs atomic.Int32
	ticker := NewTicker("test", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logger)

	ticker.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 3 })
	ticker.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != after {
		t.Errorf("ticker ran %d more times after Stop", got-after)
	}
}

func TestTicker_ErrorDoesNotStopSchedule(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	var runs atomic.Int32
	ticker := NewTicker("test-err", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("cycle failed")
	}, logger)

	ticker.Start(context.Background())
	defer ticker.Stop()

	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestTicker_DoubleStartIsNoop(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	var runs atomic.Int32
	ticker := NewTicker("test-double", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logger)

	ticker.Start(context.Background())
	ticker.Start(context.Background())
	defer ticker.Stop()

	waitFor(t, func() bool { return runs.Load() >= 2 })
	ticker.Stop()

	// Stop after Stop must not panic or hang.
	ticker.Stop()
}
