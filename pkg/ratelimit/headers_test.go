package ratelimit

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseRateLimitHeaders(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		limit         string
		remaining     string
		reset         string
		expectOK      bool
		expectLimit   int
		expectRemain  int
		expectResetAt time.Time
	}{
		{
			name:          "offset reset",
			limit:         "100",
			remaining:     "42",
			reset:         "30000",
			expectOK:      true,
			expectLimit:   100,
			expectRemain:  42,
			expectResetAt: now.Add(30 * time.Second),
		},
		{
			name:          "absolute epoch millis reset",
			limit:         "100",
			remaining:     "0",
			reset:         strconv.FormatInt(now.Add(time.Minute).UnixMilli(), 10),
			expectOK:      true,
			expectLimit:   100,
			expectRemain:  0,
			expectResetAt: now.Add(time.Minute),
		},
		{
			name:          "value exactly at threshold is absolute",
			limit:         "10",
			remaining:     "10",
			reset:         strconv.FormatInt(absoluteResetThreshold, 10),
			expectOK:      true,
			expectLimit:   10,
			expectRemain:  10,
			expectResetAt: time.UnixMilli(absoluteResetThreshold),
		},
		{
			name:     "missing headers",
			expectOK: false,
		},
		{
			name:      "unparsable limit",
			limit:     "lots",
			remaining: "5",
			reset:     "1000",
			expectOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.limit != "" {
				h.Set(HeaderLimit, tt.limit)
			}
			if tt.remaining != "" {
				h.Set(HeaderRemaining, tt.remaining)
			}
			if tt.reset != "" {
				h.Set(HeaderReset, tt.reset)
			}

			parsed, ok := ParseRateLimitHeaders(h, now)
			if ok != tt.expectOK {
				t.Fatalf("ok = %v, want %v", ok, tt.expectOK)
			}
			if !ok {
				return
			}
			if parsed.Limit != tt.expectLimit {
				t.Errorf("Limit = %d, want %d", parsed.Limit, tt.expectLimit)
			}
			if parsed.Remaining != tt.expectRemain {
				t.Errorf("Remaining = %d, want %d", parsed.Remaining, tt.expectRemain)
			}
			if !parsed.ResetAt.Equal(tt.expectResetAt) {
				t.Errorf("ResetAt = %v, want %v", parsed.ResetAt, tt.expectResetAt)
			}
		})
	}
}

func TestHeaderLimiter_RemainingClampsBudget(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	l := NewHeaderLimiter("test-header", 100, logger)
	defer l.Stop()

	l.ApplyHeaderLimit(RateLimitHeaders{
		Limit:     100,
		Remaining: 3,
		ResetAt:   time.Now().Add(time.Hour),
	})

	if got := l.Available(); got != 3 {
		t.Errorf("Available() = %d after clamp, want 3", got)
	}

	// A higher remaining must never raise the budget above what is left.
	l.ApplyHeaderLimit(RateLimitHeaders{
		Limit:     100,
		Remaining: 50,
		ResetAt:   time.Now().Add(time.Hour),
	})
	if got := l.Available(); got != 3 {
		t.Errorf("Available() = %d, clamp must not add slots, want 3", got)
	}
}

func TestHeaderLimiter_RefillAtReset(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	l := NewHeaderLimiter("test-header-refill", 10, logger)
	defer l.Stop()

	l.ApplyHeaderLimit(RateLimitHeaders{
		Limit:     10,
		Remaining: 0,
		ResetAt:   time.Now().Add(20 * time.Millisecond),
	})
	if got := l.Available(); got != 0 {
		t.Fatalf("Available() = %d, want 0 before reset", got)
	}

	waitFor(t, func() bool { return l.Available() == 10 })
}

func TestHeaderLimiter_ResetRestoresPriorityBucket(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	l := NewHeaderLimiter("test-header-priority", 10, logger)
	defer l.Stop()
	l.AddPriorityLimiter("web", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "web"); err != nil {
		t.Fatalf("first web acquire failed: %v", err)
	}

	// The header-scheduled refill must restore the web sub-bucket, not only
	// the main budget, or every later web request parks forever.
	l.ApplyHeaderLimit(RateLimitHeaders{
		Limit:     10,
		Remaining: 10,
		ResetAt:   time.Now().Add(20 * time.Millisecond),
	})

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := l.Acquire(ctx2, "web"); err != nil {
		t.Errorf("web acquire after reset failed: %v", err)
	}
}

func TestHeaderLimiter_FallbackRefillWithoutHeaders(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	l := NewHeaderLimiter("test-header-fallback", 1, logger)
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// No headers ever arrive; the default cadence must still refill.
	if err := l.Acquire(ctx); err != nil {
		t.Errorf("acquire after fallback period failed: %v", err)
	}
}
