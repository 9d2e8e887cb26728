package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/health"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

// Prometheus metrics for regional client state.
var (
	forceRegionActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ladder_force_region_active",
		Help: "1 when the region's traffic is redirected to another region",
	}, []string{"region"})
)

// Config holds the regional client configuration.
type Config struct {
	// Timeout is the default per-region connect/IO timeout.
	Timeout time.Duration

	// ForceRegionMaxAge clears a redirect that has not been manually renewed
	// within this duration.
	ForceRegionMaxAge time.Duration

	// AutoRedirectThreshold is the error-rate percentage above which a region
	// is automatically redirected.
	AutoRedirectThreshold float64

	// RetryThreshold is the error-rate percentage above which retries are
	// disabled. The comparison is strictly greater-than: a rate exactly at
	// the threshold keeps the requested policy.
	RetryThreshold float64

	// BaseURLs and WebBaseURLs override the per-region hosts. Unset regions
	// use the built-in hosts. Used by tests and region-local mirrors.
	BaseURLs    map[region.Region]string
	WebBaseURLs map[region.Region]string
}

// DefaultConfig returns the default regional client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:               10 * time.Second,
		ForceRegionMaxAge:     7 * 24 * time.Hour,
		AutoRedirectThreshold: 40.0,
		RetryThreshold:        40.0,
	}
}

// regionClient owns one region's HTTP client. The client pointer is swapped
// atomically when timeout or TLS settings change so in-flight work keeps its
// old transport.
type regionClient struct {
	httpClient atomic.Pointer[http.Client]

	mu       sync.Mutex
	timeout  time.Duration
	insecure bool
}

func (rc *regionClient) rebuild() {
	client := &http.Client{Timeout: rc.timeout}
	if rc.insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	rc.httpClient.Store(client)
}

// redirect is one active force-region entry.
type redirect struct {
	target region.Region
	since  time.Time
}

// RegionalClient owns one HTTP client per region and the force-redirect state
// that maps a target region to the region actually serving its traffic.
type RegionalClient struct {
	store  storage.VarStore
	health *health.Registry
	config Config
	logger zerolog.Logger

	clients map[region.Region]*regionClient

	mu        sync.RWMutex
	redirects map[region.Region]redirect
}

// NewRegionalClient builds per-region clients, restoring persisted timeout,
// TLS, and redirect settings. Load failures are logged and defaulted; startup
// is never blocked on the store.
func NewRegionalClient(ctx context.Context, store storage.VarStore, healthReg *health.Registry, cfg Config, logger zerolog.Logger) *RegionalClient {
	c := &RegionalClient{
		store:     store,
		health:    healthReg,
		config:    cfg,
		logger:    logger,
		clients:   make(map[region.Region]*regionClient),
		redirects: make(map[region.Region]redirect),
	}

	for _, r := range region.All() {
		rc := &regionClient{timeout: cfg.Timeout}

		if ms, err := storage.GetInt64(ctx, store, storage.RegionVar(r, storage.VarClientTimeout)); err == nil {
			rc.timeout = time.Duration(ms) * time.Millisecond
		} else if !errors.Is(err, storage.ErrVarMissing) {
			logger.Warn().Err(err).Str("region", r.String()).Msg("failed to load client timeout, using default")
		}
		if insecure, err := storage.GetBool(ctx, store, storage.RegionVar(r, storage.VarSSLIgnore)); err == nil {
			rc.insecure = insecure
		} else if !errors.Is(err, storage.ErrVarMissing) {
			logger.Warn().Err(err).Str("region", r.String()).Msg("failed to load ssl ignore flag, using default")
		}
		rc.rebuild()
		c.clients[r] = rc

		target, err := storage.GetInt64(ctx, store, storage.RegionVar(r, storage.VarForceRegion))
		if err != nil {
			continue
		}
		since, err := storage.GetTime(ctx, store, storage.RegionVar(r, storage.VarForceRegionUpdated))
		if err != nil {
			continue
		}
		c.redirects[r] = redirect{target: region.Region(target), since: since}
		forceRegionActive.WithLabelValues(r.String()).Set(1)
		logger.Info().
			Str("region", r.String()).
			Str("target", region.Region(target).String()).
			Time("since", since).
			Msg("restored force-region redirect")
	}

	return c
}

// EffectiveRegion returns the region actually serving a target region's
// traffic: the target itself unless a force-redirect is active.
func (c *RegionalClient) EffectiveRegion(target region.Region) region.Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rd, ok := c.redirects[target]; ok {
		return rd.target
	}
	return target
}

// SetForceRegion redirects a region's traffic to another region's host and
// persists the redirect with its timestamp.
func (c *RegionalClient) SetForceRegion(ctx context.Context, target, replacement region.Region) error {
	now := time.Now()
	if err := storage.SetInt64(ctx, c.store, storage.RegionVar(target, storage.VarForceRegion), int64(replacement.Ordinal())); err != nil {
		return fmt.Errorf("persist force region: %w", err)
	}
	if err := storage.SetTime(ctx, c.store, storage.RegionVar(target, storage.VarForceRegionUpdated), now); err != nil {
		return fmt.Errorf("persist force region timestamp: %w", err)
	}

	c.mu.Lock()
	c.redirects[target] = redirect{target: replacement, since: now}
	c.mu.Unlock()
	forceRegionActive.WithLabelValues(target.String()).Set(1)

	c.logger.Warn().
		Str("region", target.String()).
		Str("target", replacement.String()).
		Msg("force-region redirect set")
	return nil
}

// ClearForceRegion removes a region's redirect.
func (c *RegionalClient) ClearForceRegion(ctx context.Context, target region.Region) error {
	if err := c.store.DeleteVar(ctx, storage.RegionVar(target, storage.VarForceRegion)); err != nil {
		return fmt.Errorf("clear force region: %w", err)
	}
	if err := c.store.DeleteVar(ctx, storage.RegionVar(target, storage.VarForceRegionUpdated)); err != nil {
		return fmt.Errorf("clear force region timestamp: %w", err)
	}

	c.mu.Lock()
	delete(c.redirects, target)
	c.mu.Unlock()
	forceRegionActive.WithLabelValues(target.String()).Set(0)

	c.logger.Info().Str("region", target.String()).Msg("force-region redirect cleared")
	return nil
}

// AutoForceRegion runs the periodic redirect policy: expire redirects older
// than ForceRegionMaxAge, and institute a redirect for any region whose error
// rate exceeds the threshold and has none active.
func (c *RegionalClient) AutoForceRegion(ctx context.Context) error {
	var firstErr error
	for _, r := range region.All() {
		c.mu.RLock()
		rd, active := c.redirects[r]
		c.mu.RUnlock()

		if active {
			if time.Since(rd.since) > c.config.ForceRegionMaxAge {
				if err := c.ClearForceRegion(ctx, r); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		rate := c.health.Monitor(r, health.ClassAPI).ErrorRate()
		if rate <= c.config.AutoRedirectThreshold {
			continue
		}

		target := c.pickRedirectTarget(r)
		c.logger.Warn().
			Str("region", r.String()).
			Float64("error_rate", rate).
			Str("target", target.String()).
			Msg("error rate over threshold, instituting automatic redirect")
		if err := c.SetForceRegion(ctx, r, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pickRedirectTarget chooses the least-erroring other healthy region, falling
// back to the static default-redirect table when none qualifies.
func (c *RegionalClient) pickRedirectTarget(r region.Region) region.Region {
	best := region.Region(0)
	bestRate := c.config.AutoRedirectThreshold
	for _, candidate := range region.All() {
		if candidate == r {
			continue
		}
		if c.EffectiveRegion(candidate) != candidate {
			// Already redirected itself; not a healthy target.
			continue
		}
		rate := c.health.Monitor(candidate, health.ClassAPI).ErrorRate()
		if best == 0 || rate < bestRate {
			best = candidate
			bestRate = rate
		}
	}
	if best == 0 || bestRate > c.config.AutoRedirectThreshold {
		return r.DefaultRedirect()
	}
	return best
}

// Retry returns the requested policy, downgraded to RetryNever while the
// region's error rate is strictly above the retry threshold. Failing fast
// avoids amplifying load on an unhealthy upstream.
func (c *RegionalClient) Retry(r region.Region, want RetryPolicy, web bool) RetryPolicy {
	class := health.ClassAPI
	if web {
		class = health.ClassWeb
	}
	if c.health.Monitor(r, class).ErrorRate() > c.config.RetryThreshold {
		return RetryNever
	}
	return want
}

// BaseURL returns the API host serving the region, honoring overrides.
func (c *RegionalClient) BaseURL(r region.Region) string {
	if url, ok := c.config.BaseURLs[r]; ok {
		return url
	}
	return r.BaseURL()
}

// WebBaseURL returns the web-fallback host serving the region.
func (c *RegionalClient) WebBaseURL(r region.Region) string {
	if url, ok := c.config.WebBaseURLs[r]; ok {
		return url
	}
	return r.WebBaseURL()
}

// HTTPClient returns the HTTP client serving the region.
func (c *RegionalClient) HTTPClient(r region.Region) *http.Client {
	return c.clients[r].httpClient.Load()
}

// SetTimeout changes a region's connect/IO timeout at runtime. A new client
// is built and swapped atomically; in-flight requests are unaffected.
func (c *RegionalClient) SetTimeout(ctx context.Context, r region.Region, d time.Duration) error {
	rc := c.clients[r]
	rc.mu.Lock()
	rc.timeout = d
	rc.rebuild()
	rc.mu.Unlock()

	if err := storage.SetInt64(ctx, c.store, storage.RegionVar(r, storage.VarClientTimeout), d.Milliseconds()); err != nil {
		return fmt.Errorf("persist client timeout: %w", err)
	}
	c.logger.Info().Str("region", r.String()).Dur("timeout", d).Msg("client timeout changed")
	return nil
}

// SetInsecure toggles TLS certificate verification for a region at runtime.
func (c *RegionalClient) SetInsecure(ctx context.Context, r region.Region, insecure bool) error {
	rc := c.clients[r]
	rc.mu.Lock()
	rc.insecure = insecure
	rc.rebuild()
	rc.mu.Unlock()

	if err := storage.SetBool(ctx, c.store, storage.RegionVar(r, storage.VarSSLIgnore), insecure); err != nil {
		return fmt.Errorf("persist ssl ignore flag: %w", err)
	}
	c.logger.Warn().Str("region", r.String()).Bool("insecure", insecure).Msg("TLS verification toggled")
	return nil
}
