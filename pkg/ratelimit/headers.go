package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Upstream rate-limit response headers.
const (
	HeaderLimit     = "X-Ratelimit-Limit"
	HeaderRemaining = "X-Ratelimit-Remaining"
	HeaderReset     = "X-Ratelimit-Reset"
)

// absoluteResetThreshold disambiguates the reset header value. Upstream
// expresses the reset either as an absolute epoch timestamp in milliseconds
// or as an offset-from-now in milliseconds; any value at or above this
// threshold can only be an epoch timestamp.
const absoluteResetThreshold = int64(1_000_000_000_000)

// RateLimitHeaders carries the parsed rate-limit state of one upstream
// response.
type RateLimitHeaders struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ParseRateLimitHeaders extracts rate-limit headers from an upstream
// response. The second return is false when the headers are absent or
// unparsable, which is normal for endpoints that do not report quota.
func ParseRateLimitHeaders(h http.Header, now time.Time) (RateLimitHeaders, bool) {
	limitStr := h.Get(HeaderLimit)
	remainStr := h.Get(HeaderRemaining)
	resetStr := h.Get(HeaderReset)
	if limitStr == "" || remainStr == "" || resetStr == "" {
		return RateLimitHeaders{}, false
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return RateLimitHeaders{}, false
	}
	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return RateLimitHeaders{}, false
	}
	resetMillis, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return RateLimitHeaders{}, false
	}

	var resetAt time.Time
	if resetMillis >= absoluteResetThreshold {
		resetAt = time.UnixMilli(resetMillis)
	} else {
		resetAt = now.Add(time.Duration(resetMillis) * time.Millisecond)
	}

	return RateLimitHeaders{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, true
}

// defaultRefillPeriod paces refills while upstream responses carry no
// rate-limit headers. Header-driven scheduling replaces it as soon as a
// response reports its own reset timing.
const defaultRefillPeriod = time.Second

// HeaderLimiter is a SlotLimiter whose refill size and timing follow upstream
// rate-limit headers, with a fixed fallback cadence for upstreams that report
// no quota.
type HeaderLimiter struct {
	*SlotLimiter
	logger zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewHeaderLimiter creates a header-driven limiter starting with cap slots.
// The cap is only the budget assumed before the first upstream response.
func NewHeaderLimiter(name string, cap int, logger zerolog.Logger) *HeaderLimiter {
	l := &HeaderLimiter{
		SlotLimiter: NewSlotLimiter(name, cap),
		logger:      logger,
	}
	l.mu.Lock()
	l.scheduleLocked(defaultRefillPeriod, cap)
	l.mu.Unlock()
	return l
}

// scheduleLocked arms the refill timer. Every refill re-arms itself on the
// default cadence, so a quiet upstream cannot park the limiter for good.
func (l *HeaderLimiter) scheduleLocked(wait time.Duration, limit int) {
	if l.stopped {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(wait, func() {
		l.Refill(limit)
		l.mu.Lock()
		l.scheduleLocked(defaultRefillPeriod, limit)
		l.mu.Unlock()
	})
}

// ApplyHeaderLimit feeds one response's rate-limit headers into the limiter.
// The remaining count clamps the current budget immediately and the next
// refill is rescheduled to restore the reported limit at the reported reset.
func (l *HeaderLimiter) ApplyHeaderLimit(h RateLimitHeaders) {
	l.main.clamp(h.Remaining)
	available, _ := l.main.snapshot()
	limiterSlotsAvailable.WithLabelValues(l.name).Set(float64(available))

	wait := time.Until(h.ResetAt)
	if wait < 0 {
		wait = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduleLocked(wait, h.Limit)

	l.logger.Debug().
		Str("limiter", l.name).
		Int("limit", h.Limit).
		Int("remaining", h.Remaining).
		Time("reset_at", h.ResetAt).
		Msg("rate limit headers applied")
}

// Stop cancels any scheduled refill permanently.
func (l *HeaderLimiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
