// Package stale decides, per region, whether the primary ladder enumeration
// is still returning fresh data, and flips regions into the alternative
// discovery path when it is not.
package stale

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

var alternativeModeActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ladder_alternative_mode_active",
	Help: "Whether a region is in alternative discovery mode (1) or normal mode (0)",
}, []string{"region"})

// Defaults for the staleness policy.
const (
	// DefaultFreshnessWindow is how long a region may go without a
	// successful ladder snapshot before it is forced into alternative mode.
	DefaultFreshnessWindow = 45 * time.Minute

	// DefaultForcedMaxAge bounds how long the forced flag can stay set. It
	// clears after this duration even without new freshness evidence, so a
	// region cannot be stuck on the degraded path forever.
	DefaultForcedMaxAge = 7 * 24 * time.Hour

	// DefaultProbeDepth is how many sequential ladder ids past the known
	// maximum ProbeFresh examines.
	DefaultProbeDepth = 12

	// DefaultProbeTolerance skips ids immediately past the known maximum
	// before probing starts, tolerating slightly stale persisted maximums.
	DefaultProbeTolerance = 1
)

// Prober resolves whether one ladder id exists upstream. Implemented by the
// alternative discovery path via profile-ladder lookups.
type Prober interface {
	ProbeLadder(ctx context.Context, r region.Region, ladderID int64) (bool, error)
}

// Config tunes the staleness policy. Zero fields take the defaults.
type Config struct {
	FreshnessWindow time.Duration
	ForcedMaxAge    time.Duration
	ProbeDepth      int
	ProbeTolerance  int
}

func (c Config) withDefaults() Config {
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	if c.ForcedMaxAge == 0 {
		c.ForcedMaxAge = DefaultForcedMaxAge
	}
	if c.ProbeDepth == 0 {
		c.ProbeDepth = DefaultProbeDepth
	}
	if c.ProbeTolerance == 0 {
		c.ProbeTolerance = DefaultProbeTolerance
	}
	return c
}

// regionSignals holds the in-memory half of one region's staleness state.
// The forced flag lives in the var store so it survives restarts.
type regionSignals struct {
	lastFresh        time.Time
	probeAlternative bool
}

// Detector evaluates two independent staleness signals per region and ORs
// them into the alternativeActive decision: a forced flag persisted when no
// freshness evidence appears within the window, and a probe result from
// scanning ladder ids past the known maximum.
type Detector struct {
	store  storage.VarStore
	prober Prober
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	signals map[region.Region]*regionSignals
}

// NewDetector creates a detector. The construction time counts as freshness
// evidence for every region, so a cold start does not immediately degrade.
func NewDetector(store storage.VarStore, prober Prober, cfg Config, logger zerolog.Logger) *Detector {
	d := &Detector{
		store:   store,
		prober:  prober,
		config:  cfg.withDefaults(),
		logger:  logger.With().Str("component", "stale-detector").Logger(),
		signals: make(map[region.Region]*regionSignals),
	}
	now := time.Now()
	for _, r := range region.All() {
		d.signals[r] = &regionSignals{lastFresh: now}
	}
	return d
}

// ReportFreshness records a successful ladder snapshot for the region.
func (d *Detector) ReportFreshness(r region.Region, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.signals[r]
	if at.After(s.lastFresh) {
		s.lastFresh = at
	}
}

// Evaluate returns whether the region should use the alternative path. It
// maintains the persisted forced flag: set when freshness evidence is older
// than the window, cleared once it has been set longer than the max age.
func (d *Detector) Evaluate(ctx context.Context, r region.Region) (bool, error) {
	key := storage.RegionVar(r, storage.VarForcedAlternative)

	forcedSince, err := storage.GetTime(ctx, d.store, key)
	forced := err == nil
	if err != nil && !errors.Is(err, storage.ErrVarMissing) {
		return false, err
	}

	if forced && time.Since(forcedSince) > d.config.ForcedMaxAge {
		if err := d.store.DeleteVar(ctx, key); err != nil {
			return false, err
		}
		forced = false
		d.logger.Info().
			Str("region", r.String()).
			Time("forced_since", forcedSince).
			Msg("forced alternative mode expired")
	}

	d.mu.Lock()
	s := d.signals[r]
	staleEvidence := time.Since(s.lastFresh) > d.config.FreshnessWindow
	probe := s.probeAlternative
	d.mu.Unlock()

	if !forced && staleEvidence {
		now := time.Now()
		if err := storage.SetTime(ctx, d.store, key, now); err != nil {
			return false, err
		}
		forced = true
		d.logger.Warn().
			Str("region", r.String()).
			Dur("window", d.config.FreshnessWindow).
			Msg("no fresh ladder data within window, forcing alternative mode")
	}

	active := forced || probe
	gauge := 0.0
	if active {
		gauge = 1.0
	}
	alternativeModeActive.WithLabelValues(r.String()).Set(gauge)
	return active, nil
}

// ClearForced removes the persisted forced flag for the region.
func (d *Detector) ClearForced(ctx context.Context, r region.Region) error {
	if err := d.store.DeleteVar(ctx, storage.RegionVar(r, storage.VarForcedAlternative)); err != nil {
		return err
	}
	d.logger.Info().Str("region", r.String()).Msg("forced alternative mode cleared")
	return nil
}

// ProbeFresh scans ladder ids past the known maximum and updates the
// probe-alternative signal: any resolving id proves the primary enumeration
// is alive, a full miss marks the region stale. Probe errors count as
// misses. Returns whether the region probed fresh.
func (d *Detector) ProbeFresh(ctx context.Context, r region.Region, maxKnownID int64) (bool, error) {
	start := maxKnownID + int64(d.config.ProbeTolerance) + 1
	end := maxKnownID + int64(d.config.ProbeTolerance) + int64(d.config.ProbeDepth)

	for id := start; id <= end; id++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := d.prober.ProbeLadder(ctx, r, id)
		if err != nil {
			d.logger.Debug().
				Str("region", r.String()).
				Int64("ladder_id", id).
				Err(err).
				Msg("ladder probe failed")
			continue
		}
		if ok {
			d.setProbeAlternative(r, false)
			return true, nil
		}
	}

	d.logger.Warn().
		Str("region", r.String()).
		Int64("from", start).
		Int64("to", end).
		Msg("no ladder id past known maximum resolved, marking region stale")
	d.setProbeAlternative(r, true)
	return false, nil
}

func (d *Detector) setProbeAlternative(r region.Region, v bool) {
	d.mu.Lock()
	d.signals[r].probeAlternative = v
	d.mu.Unlock()
}
