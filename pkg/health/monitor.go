// Package health tracks per-region request/error counters and derives the
// rolling error rate that drives retry policy, region redirection, and
// alternative-mode activation.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

// Endpoint classes tracked independently per region.
const (
	ClassAPI = "api"
	ClassWeb = "web"
)

// Prometheus metrics for upstream health.
var (
	upstreamErrorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ladder_upstream_error_rate",
		Help: "Rolling upstream error rate percentage by region and endpoint class",
	}, []string{"region", "class"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_upstream_requests_total",
		Help: "Total upstream requests by region and endpoint class",
	}, []string{"region", "class"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_upstream_errors_total",
		Help: "Total upstream request errors by region and endpoint class",
	}, []string{"region", "class"})
)

// Monitor counts requests and errors for one (region, class) pair and
// recomputes the error rate at snapshot time. Counters and rate are persisted
// so a restart does not reset an unhealthy region to healthy.
type Monitor struct {
	region region.Region
	class  string
	store  storage.VarStore
	logger zerolog.Logger

	requests atomic.Int64
	errors   atomic.Int64

	mu        sync.RWMutex
	errorRate float64
}

// NewMonitor creates a monitor, restoring the last persisted counters and
// rate. Any load failure is logged and the monitor starts at zero; it must
// never block service startup.
func NewMonitor(ctx context.Context, r region.Region, class string, store storage.VarStore, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		region: r,
		class:  class,
		store:  store,
		logger: logger,
	}

	if requests, err := storage.GetInt64(ctx, store, storage.ClassVar(r, class, storage.VarRequestCount)); err == nil {
		m.requests.Store(requests)
	} else if !errors.Is(err, storage.ErrVarMissing) {
		logger.Warn().Err(err).Str("region", r.String()).Str("class", class).
			Msg("failed to load persisted request count, starting at zero")
	}
	if errCount, err := storage.GetInt64(ctx, store, storage.ClassVar(r, class, storage.VarErrorCount)); err == nil {
		m.errors.Store(errCount)
	} else if !errors.Is(err, storage.ErrVarMissing) {
		logger.Warn().Err(err).Str("region", r.String()).Str("class", class).
			Msg("failed to load persisted error count, starting at zero")
	}
	if rate, err := storage.GetFloat64(ctx, store, storage.ClassVar(r, class, storage.VarErrorRate)); err == nil {
		m.errorRate = rate
		upstreamErrorRate.WithLabelValues(r.String(), class).Set(rate)
	} else if !errors.Is(err, storage.ErrVarMissing) {
		logger.Warn().Err(err).Str("region", r.String()).Str("class", class).
			Msg("failed to load persisted error rate, starting at zero")
	}

	return m
}

// AddRequest records one dispatched request. Non-blocking.
func (m *Monitor) AddRequest() {
	m.requests.Add(1)
	upstreamRequestsTotal.WithLabelValues(m.region.String(), m.class).Inc()
}

// AddError records one failed request. Non-blocking.
func (m *Monitor) AddError() {
	m.errors.Add(1)
	upstreamErrorsTotal.WithLabelValues(m.region.String(), m.class).Inc()
}

// Update snapshots and resets the counters, recomputes the error rate, and
// persists both the raw counters and the rate. The rate is recomputed from
// the snapshot, never incremented directly.
func (m *Monitor) Update(ctx context.Context) (float64, error) {
	requests := m.requests.Swap(0)
	errCount := m.errors.Swap(0)

	rate := 0.0
	if requests > 0 {
		rate = float64(errCount) / float64(requests) * 100
	}

	m.mu.Lock()
	m.errorRate = rate
	m.mu.Unlock()
	upstreamErrorRate.WithLabelValues(m.region.String(), m.class).Set(rate)

	if err := storage.SetInt64(ctx, m.store, storage.ClassVar(m.region, m.class, storage.VarRequestCount), requests); err != nil {
		return rate, fmt.Errorf("persist request count: %w", err)
	}
	if err := storage.SetInt64(ctx, m.store, storage.ClassVar(m.region, m.class, storage.VarErrorCount), errCount); err != nil {
		return rate, fmt.Errorf("persist error count: %w", err)
	}
	if err := storage.SetFloat64(ctx, m.store, storage.ClassVar(m.region, m.class, storage.VarErrorRate), rate); err != nil {
		return rate, fmt.Errorf("persist error rate: %w", err)
	}

	m.logger.Debug().
		Str("region", m.region.String()).
		Str("class", m.class).
		Int64("requests", requests).
		Int64("errors", errCount).
		Float64("error_rate", rate).
		Msg("health snapshot taken")

	return rate, nil
}

// ErrorRate returns the rate computed by the last Update.
func (m *Monitor) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorRate
}

// Health returns 100 minus the error rate.
func (m *Monitor) Health() float64 {
	return 100 - m.ErrorRate()
}

// Registry holds one monitor per (region, class) pair.
type Registry struct {
	monitors map[region.Region]map[string]*Monitor
}

// NewRegistry builds monitors for every region and both endpoint classes.
func NewRegistry(ctx context.Context, store storage.VarStore, logger zerolog.Logger) *Registry {
	reg := &Registry{monitors: make(map[region.Region]map[string]*Monitor)}
	for _, r := range region.All() {
		reg.monitors[r] = map[string]*Monitor{
			ClassAPI: NewMonitor(ctx, r, ClassAPI, store, logger),
			ClassWeb: NewMonitor(ctx, r, ClassWeb, store, logger),
		}
	}
	return reg
}

// Monitor returns the monitor for a region and class.
func (reg *Registry) Monitor(r region.Region, class string) *Monitor {
	return reg.monitors[r][class]
}

// UpdateAll snapshots every monitor. Per-monitor persistence failures are
// collected but do not stop the remaining snapshots.
func (reg *Registry) UpdateAll(ctx context.Context) error {
	var firstErr error
	for _, byClass := range reg.monitors {
		for _, m := range byClass {
			if _, err := m.Update(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
