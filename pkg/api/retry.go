package api

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_retries_total",
		Help: "Total retry attempts by policy",
	}, []string{"policy"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_retry_exhausted_total",
		Help: "Total times retry attempts were exhausted by policy",
	}, []string{"policy"})
)

// RetryPolicy controls how a fetch operation reacts to upstream failures.
type RetryPolicy struct {
	Name           string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// RetryNotFound retries 404 responses too. Off for idempotent lookups
	// where "not found" is meaningful rather than transient.
	RetryNotFound bool
}

// The named policies of the fetch layer.
var (
	// RetryDefault is the bounded default: transient failures and 404s are
	// retried a small fixed number of times.
	RetryDefault = RetryPolicy{
		Name:           "default",
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		RetryNotFound:  true,
	}

	// RetrySkipNotFound retries transient failures but fails fast on 404.
	RetrySkipNotFound = RetryPolicy{
		Name:           "skip_not_found",
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}

	// RetryOnce retries exactly once. Used for bulk profile endpoints where a
	// full retry ladder would amplify load.
	RetryOnce = RetryPolicy{
		Name:           "once",
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     1.0,
	}

	// RetryNever fails on the first error. Selected for definitively
	// non-transient error classes and for unhealthy regions.
	RetryNever = RetryPolicy{
		Name:        "never",
		MaxAttempts: 1,
	}
)

// shouldRetry reports whether the policy retries the given error.
func (p RetryPolicy) shouldRetry(err error) bool {
	class := errorClassOf(err)
	if class == ErrorClassNotFound {
		return p.RetryNotFound
	}
	return transient(class)
}

// doWithRetry executes fn under the policy with exponential backoff and
// jitter, respecting context cancellation.
func doWithRetry(ctx context.Context, logger zerolog.Logger, policy RetryPolicy, fn func() error) error {
	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("policy", policy.Name).
					Int("attempt", attempt).
					Msg("request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !policy.shouldRetry(err) || attempt >= policy.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(policy.Name).Inc()

		// ±20% jitter to avoid synchronized retries across regions.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		logger.Debug().
			Str("policy", policy.Name).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Err(err).
			Msg("retrying request after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	if policy.MaxAttempts > 1 && policy.shouldRetry(lastErr) {
		retryExhaustedTotal.WithLabelValues(policy.Name).Inc()
		return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
	}
	return lastErr
}
