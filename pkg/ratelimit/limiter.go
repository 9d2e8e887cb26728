// Package ratelimit implements the slot-based request limiter that gates all
// upstream ladder API traffic. A limiter holds a fixed number of request slots
// per refill period; callers suspend in Acquire until a slot is free. Periodic
// refill restores the budget, and a header-driven variant derives the next
// refill size and timing from upstream rate-limit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for limiter operations.
var (
	limiterSlotsAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ladder_limiter_slots_available",
		Help: "Request slots currently available by limiter",
	}, []string{"limiter"})

	limiterAcquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ladder_limiter_acquire_wait_seconds",
		Help:    "Time spent waiting for a request slot by limiter",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"limiter"})

	limiterRefillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_limiter_refills_total",
		Help: "Total slot refills by limiter",
	}, []string{"limiter"})
)

// bucket is one refillable pool of request slots. The refilled channel is
// closed and replaced on every refill so that all parked waiters wake at once
// and race for the restored slots.
type bucket struct {
	mu        sync.Mutex
	available int
	cap       int
	refilled  chan struct{}
}

func newBucket(cap int) *bucket {
	return &bucket{
		available: cap,
		cap:       cap,
		refilled:  make(chan struct{}),
	}
}

// tryAcquire consumes a slot if one is free. When none is free it returns the
// channel that will be closed by the next refill.
func (b *bucket) tryAcquire() (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available > 0 {
		b.available--
		return true, nil
	}
	return false, b.refilled
}

// refill resets the available slots to cap. Available never exceeds cap.
func (b *bucket) refill(cap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cap = cap
	b.available = cap
	close(b.refilled)
	b.refilled = make(chan struct{})
}

// clamp lowers the available slots without touching cap. Used when upstream
// headers report fewer remaining requests than we have slots left.
func (b *bucket) clamp(remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining < b.available {
		b.available = remaining
	}
}

func (b *bucket) snapshot() (available, cap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available, b.cap
}

// SlotLimiter distributes a fixed number of request slots per refill period
// among a main bucket and zero or more named priority sub-buckets. A request
// tagged with priority names must obtain a slot from the main bucket and from
// each named bucket in turn.
//
// Chained acquisition is sequential, not atomic: a caller can hold a slot from
// an earlier bucket while parked on a later one, starving other waiters of the
// earlier resource. This mirrors the upstream quota semantics and is a known
// tension; see DESIGN.md before changing it.
type SlotLimiter struct {
	name string
	main *bucket

	mu         sync.RWMutex
	priorities map[string]*bucket
}

// NewSlotLimiter creates a limiter with cap slots in its main bucket.
func NewSlotLimiter(name string, cap int) *SlotLimiter {
	l := &SlotLimiter{
		name:       name,
		main:       newBucket(cap),
		priorities: make(map[string]*bucket),
	}
	limiterSlotsAvailable.WithLabelValues(name).Set(float64(cap))
	return l
}

// AddPriorityLimiter registers an independent named sub-bucket. Requests
// tagged with the name must also obtain one of its cap slots per period.
func (l *SlotLimiter) AddPriorityLimiter(name string, cap int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.priorities[name] = newBucket(cap)
	limiterSlotsAvailable.WithLabelValues(l.name + ":" + name).Set(float64(cap))
}

// Acquire consumes one slot from the main bucket and from every named
// priority bucket, suspending until each is free. It returns early only when
// ctx is done.
func (l *SlotLimiter) Acquire(ctx context.Context, priorities ...string) error {
	start := time.Now()
	defer func() {
		limiterAcquireWaitSeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()

	if err := l.acquireBucket(ctx, l.main, l.name); err != nil {
		return err
	}
	for _, name := range priorities {
		l.mu.RLock()
		b, ok := l.priorities[name]
		l.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown priority limiter %q", name)
		}
		if err := l.acquireBucket(ctx, b, l.name+":"+name); err != nil {
			return err
		}
	}
	return nil
}

func (l *SlotLimiter) acquireBucket(ctx context.Context, b *bucket, label string) error {
	for {
		ok, refilled := b.tryAcquire()
		if ok {
			available, _ := b.snapshot()
			limiterSlotsAvailable.WithLabelValues(label).Set(float64(available))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refilled:
		}
	}
}

// Refill resets the main bucket's available slots to cap and wakes all
// waiters. After a refill exactly cap slots are grantable, never more.
// Priority sub-buckets share the main budget's period and are restored to
// their own caps at the same time.
func (l *SlotLimiter) Refill(cap int) {
	l.main.refill(cap)
	limiterRefillsTotal.WithLabelValues(l.name).Inc()
	limiterSlotsAvailable.WithLabelValues(l.name).Set(float64(cap))

	l.mu.RLock()
	defer l.mu.RUnlock()
	for name, b := range l.priorities {
		_, pcap := b.snapshot()
		b.refill(pcap)
		limiterSlotsAvailable.WithLabelValues(l.name + ":" + name).Set(float64(pcap))
	}
}

// Available returns the currently grantable slots in the main bucket.
func (l *SlotLimiter) Available() int {
	available, _ := l.main.snapshot()
	return available
}

// Name returns the limiter's metric label.
func (l *SlotLimiter) Name() string {
	return l.name
}
