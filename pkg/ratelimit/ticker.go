package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ticker runs a function on a fixed interval. It replaces cron-style
// schedules for slot refills and health snapshots: a tick that returns an
// error is logged and the schedule continues.
type Ticker struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker creates a stopped ticker. fn must respect ctx cancellation.
func NewTicker(name string, interval time.Duration, fn func(context.Context) error, logger zerolog.Logger) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start launches the periodic loop. Calling Start on a running ticker is a
// no-op.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.fn(ctx); err != nil && ctx.Err() == nil {
					t.logger.Error().
						Err(err).
						Str("ticker", t.name).
						Msg("scheduled run failed")
				}
			}
		}
	}()

	t.logger.Info().
		Str("ticker", t.name).
		Dur("interval", t.interval).
		Msg("ticker started")
}

// Stop halts the loop and waits for an in-flight run to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Info().Str("ticker", t.name).Msg("ticker stopped")
}
