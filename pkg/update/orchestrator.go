// Package update drives the recurring ingestion cycle: per region it picks
// the season, chooses the normal or alternative fetch path and the full or
// partial cadence, and hands validated teams to the persistence pool.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ladderstats/ingest/pkg/alternative"
	"github.com/ladderstats/ingest/pkg/api"
	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/stale"
	"github.com/ladderstats/ingest/pkg/storage"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_update_cycles_total",
		Help: "Completed orchestration cycles by outcome",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ladder_update_cycle_duration_seconds",
		Help:    "Wall time of one full orchestration cycle",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
	})

	regionMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ladder_update_region_mode",
		Help: "Ingestion mode per region: 0 normal, 1 alternative",
	}, []string{"region"})
)

// Config tunes the orchestration cycle. Zero fields take the defaults.
type Config struct {
	// BatchSize is how many teams one persistence transaction covers.
	BatchSize int

	// PersistWorkers and PersistBuffer size the persistence pool.
	PersistWorkers int
	PersistBuffer  int

	// LadderConcurrency bounds parallel ladder fetches within one region.
	LadderConcurrency int

	// AlternativeRegionThreshold switches every region to the partial
	// cadence once this many regions run alternative at once. The degraded
	// path is request-hungry; shrinking per-cycle coverage keeps the total
	// budget survivable.
	AlternativeRegionThreshold int

	// SeasonEndGrace is how long past its end a persisted season may still
	// stand in for an unreachable live lookup.
	SeasonEndGrace time.Duration

	// SeedSeasonID starts the season walk when nothing is persisted yet.
	SeedSeasonID int
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.PersistWorkers == 0 {
		c.PersistWorkers = 2
	}
	if c.PersistBuffer == 0 {
		c.PersistBuffer = 8
	}
	if c.LadderConcurrency == 0 {
		c.LadderConcurrency = 4
	}
	if c.AlternativeRegionThreshold == 0 {
		c.AlternativeRegionThreshold = 2
	}
	if c.SeasonEndGrace == 0 {
		c.SeasonEndGrace = 7 * 24 * time.Hour
	}
	if c.SeedSeasonID == 0 {
		c.SeedSeasonID = 50
	}
	return c
}

// regionState is the mutex-guarded aggregate of one region's cycle state.
// One instance per region, never shared unsynchronized.
type regionState struct {
	mu          sync.Mutex
	season      ladder.Season
	seasonOK    bool
	alternative bool
	lastPass    time.Time
}

// Orchestrator runs the ingestion cycle across all regions.
type Orchestrator struct {
	fetcher   *api.Fetcher
	discovery *alternative.Discovery
	detector  *stale.Detector
	store     storage.LadderStore
	vars      storage.VarStore
	events    storage.EventSink
	rotation  *Rotation
	config    Config
	logger    zerolog.Logger

	states map[region.Region]*regionState
}

// NewOrchestrator wires the cycle driver.
func NewOrchestrator(
	fetcher *api.Fetcher,
	discovery *alternative.Discovery,
	detector *stale.Detector,
	store storage.LadderStore,
	vars storage.VarStore,
	events storage.EventSink,
	cfg Config,
	logger zerolog.Logger,
) *Orchestrator {
	states := make(map[region.Region]*regionState)
	for _, r := range region.All() {
		states[r] = &regionState{}
	}
	return &Orchestrator{
		fetcher:   fetcher,
		discovery: discovery,
		detector:  detector,
		store:     store,
		vars:      vars,
		events:    events,
		rotation:  NewRotation(vars),
		config:    cfg.withDefaults(),
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		states:    states,
	}
}

// RunCycle executes one full orchestration pass. Per-region failures are
// isolated and collected; the returned error is informational and must not
// stop the recurring schedule.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		cycleDuration.Observe(time.Since(start).Seconds())
	}()

	// Phase 1: resolve each region's season and staleness signals, so the
	// cadence decision below sees how many regions are degraded at once.
	var prep errgroup.Group
	for _, r := range region.All() {
		prep.Go(func() error {
			o.prepareRegion(ctx, r)
			return nil
		})
	}
	prep.Wait()

	alternativeCount := 0
	for _, r := range region.All() {
		s := o.states[r]
		s.mu.Lock()
		if s.seasonOK && s.alternative {
			alternativeCount++
		}
		s.mu.Unlock()
	}
	autoPartial := alternativeCount >= o.config.AlternativeRegionThreshold
	if autoPartial {
		o.logger.Warn().
			Int("alternative_regions", alternativeCount).
			Msg("enough regions degraded, switching all to partial cadence")
	}

	// Phase 2: ingest. Fetch work runs per region; persistence runs on its
	// own bounded pool so neither side blocks the other.
	pool := newPersistPool(ctx, o.store, o.config.PersistWorkers, o.config.PersistBuffer, o.logger)
	acc := newAccumulator()

	var (
		errMu     sync.Mutex
		cycleErrs []error
	)
	var ingest errgroup.Group
	for _, r := range region.All() {
		ingest.Go(func() error {
			if err := o.updateRegion(ctx, r, autoPartial, pool, acc); err != nil {
				o.logger.Error().
					Str("region", r.String()).
					Err(err).
					Msg("region pass failed")
				errMu.Lock()
				cycleErrs = append(cycleErrs, fmt.Errorf("%s: %w", r, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	ingest.Wait()

	written, perr := pool.close()
	if perr != nil {
		cycleErrs = append(cycleErrs, perr)
	}

	// One flush per pass: activity batches, then a single coverage event so
	// consumers know a partial pass touched only a subset.
	if err := o.flushEvents(ctx, acc); err != nil {
		cycleErrs = append(cycleErrs, err)
	}

	outcome := "ok"
	if len(cycleErrs) > 0 {
		outcome = "error"
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	o.logger.Info().
		Int("teams_written", written).
		Int("regions_failed", len(cycleErrs)).
		Dur("duration", time.Since(start)).
		Msg("orchestration cycle finished")
	return errors.Join(cycleErrs...)
}

// prepareRegion resolves the region's season and evaluates staleness. A
// region that cannot resolve any season sits the cycle out.
func (o *Orchestrator) prepareRegion(ctx context.Context, r region.Region) {
	s := o.states[r]

	season, err := o.resolveSeason(ctx, r)
	if err != nil {
		o.logger.Error().Str("region", r.String()).Err(err).Msg("no season resolved, skipping region")
		s.mu.Lock()
		s.seasonOK = false
		s.mu.Unlock()
		return
	}

	if err := o.store.UpsertSeason(ctx, season); err != nil {
		o.logger.Error().Str("region", r.String()).Err(err).Msg("season upsert failed")
	}
	if err := storage.SetInt64(ctx, o.vars, storage.RegionVar(r, storage.VarLastUpdatedSeason), int64(season.BattlenetID)); err != nil {
		o.logger.Warn().Str("region", r.String()).Err(err).Msg("season cursor not persisted")
	}

	// One staleness probe per cycle per region.
	if maxID, err := o.store.FindMaxLadderID(ctx, r, season.BattlenetID); err == nil && maxID > 0 {
		if _, err := o.detector.ProbeFresh(ctx, r, maxID); err != nil {
			o.logger.Warn().Str("region", r.String()).Err(err).Msg("staleness probe failed")
		}
	}

	active, err := o.detector.Evaluate(ctx, r)
	if err != nil {
		o.logger.Warn().Str("region", r.String()).Err(err).Msg("staleness evaluation failed, assuming normal mode")
		active = false
	}

	mode := 0.0
	if active {
		mode = 1.0
	}
	regionMode.WithLabelValues(r.String()).Set(mode)

	s.mu.Lock()
	s.season = season
	s.seasonOK = true
	s.alternative = active
	s.mu.Unlock()
}

// resolveSeason tries the live lookup first and falls back to the most
// recently persisted season, but only within the end-grace window. A stale
// persisted season is worse than none: it would ingest into dead data.
func (o *Orchestrator) resolveSeason(ctx context.Context, r region.Region) (ladder.Season, error) {
	startFrom := o.config.SeedSeasonID
	if last, err := storage.GetInt64(ctx, o.vars, storage.RegionVar(r, storage.VarLastUpdatedSeason)); err == nil && last > 0 {
		startFrom = int(last)
	} else if persisted, err := o.store.FindLastSeason(ctx, r); err == nil {
		startFrom = persisted.BattlenetID
	}

	season, err := o.fetcher.GetCurrentOrLastSeason(ctx, r, startFrom)
	if err == nil {
		return season, nil
	}

	persisted, ferr := o.store.FindLastSeason(ctx, r)
	if ferr == nil && time.Since(persisted.End) <= o.config.SeasonEndGrace {
		o.logger.Warn().
			Str("region", r.String()).
			Int("season", persisted.BattlenetID).
			Err(err).
			Msg("live season lookup failed, using persisted season within grace window")
		return persisted, nil
	}
	return ladder.Season{}, fmt.Errorf("resolve season: %w", err)
}

// updateRegion runs one region's ingestion pass.
func (o *Orchestrator) updateRegion(ctx context.Context, r region.Region, autoPartial bool, pool *persistPool, acc *accumulator) error {
	s := o.states[r]
	s.mu.Lock()
	if !s.seasonOK {
		s.mu.Unlock()
		return nil
	}
	season := s.season
	alternativeMode := s.alternative
	lastPass := s.lastPass
	s.mu.Unlock()

	partial := autoPartial
	if !partial {
		manual, err := storage.GetBool(ctx, o.vars, storage.RegionVar(r, storage.VarPartialUpdate))
		if err != nil && !errors.Is(err, storage.ErrVarMissing) {
			return err
		}
		partial = err == nil && manual
	}

	o.logger.Info().
		Str("region", r.String()).
		Int("season", season.BattlenetID).
		Bool("alternative", alternativeMode).
		Bool("partial", partial).
		Msg("region pass starting")

	var touched Subset
	if alternativeMode {
		var err error
		touched, err = o.runAlternative(ctx, r, season, pool, acc)
		if err != nil {
			return err
		}
	} else {
		// League pre-creation covers every combination of the season before
		// the cadence narrows coverage, so downstream stats queries never hit
		// a missing league mid-rotation.
		divisions, err := o.syncLeagues(ctx, r, season)
		if err != nil {
			return err
		}
		subset := fullSubset()
		if partial {
			subset, _, err = o.rotation.Next(ctx, r)
			if err != nil {
				return err
			}
		}
		if err := o.runNormal(ctx, r, filterDivisions(divisions, subset), partial, lastPass, pool, acc); err != nil {
			return err
		}
		touched = subset
	}

	if len(touched.Queues) > 0 {
		acc.addSubset(r, season.BattlenetID, touched)
	}
	s.mu.Lock()
	s.lastPass = time.Now()
	s.mu.Unlock()
	return nil
}

// runNormal ingests the given divisions through the primary ladder endpoint.
func (o *Orchestrator) runNormal(ctx context.Context, r region.Region, divisions []ladder.Division, partial bool, lastPass time.Time, pool *persistPool, acc *accumulator) error {
	var (
		mu      sync.Mutex
		pending []ladder.Team
		fresh   bool
	)
	flush := func(force bool) {
		for len(pending) >= o.config.BatchSize || (force && len(pending) > 0) {
			n := o.config.BatchSize
			if n > len(pending) {
				n = len(pending)
			}
			pool.submit(pending[:n:n])
			pending = pending[n:]
		}
	}

	var g errgroup.Group
	g.SetLimit(o.config.LadderConcurrency)
	for _, d := range divisions {
		g.Go(func() error {
			teams, err := o.fetchDivision(ctx, r, d, partial, lastPass)
			if err != nil {
				// One bad division does not fail the region pass.
				o.logger.Warn().
					Str("region", r.String()).
					Int64("ladder_id", d.LadderID).
					Err(err).
					Msg("division fetch failed")
				return nil
			}
			accepted := validateTeams(teams)
			acc.addTeams(accepted)

			mu.Lock()
			fresh = true
			pending = append(pending, accepted...)
			flush(false)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	mu.Lock()
	flush(true)
	mu.Unlock()

	if fresh {
		o.detector.ReportFreshness(r, time.Now())
	}
	return nil
}

// fetchDivision reads one division's teams: the full ladder on a full pass,
// the timestamp-filtered stream on incremental ones.
func (o *Orchestrator) fetchDivision(ctx context.Context, r region.Region, d ladder.Division, partial bool, lastPass time.Time) ([]ladder.Team, error) {
	if partial && !lastPass.IsZero() {
		return o.fetcher.GetFilteredLadder(ctx, r, d, lastPass.Unix())
	}
	return o.fetcher.GetLadder(ctx, r, d)
}

// syncLeagues pre-creates every league combination valid for the season and
// returns the divisions found. Full coverage regardless of cadence: a partial
// pass still creates all leagues and only narrows which ladders it reads.
func (o *Orchestrator) syncLeagues(ctx context.Context, r region.Region, season ladder.Season) ([]ladder.Division, error) {
	var divisions []ladder.Division
	for _, q := range ladder.Queues() {
		for _, tt := range ladder.TeamTypes(q) {
			for _, lt := range ladder.LeagueTypes() {
				key := ladder.LeagueKey{
					SeasonID: season.BattlenetID,
					Queue:    q,
					TeamType: tt,
					League:   lt,
				}
				league, err := o.fetcher.GetLeague(ctx, r, key, true)
				if err != nil {
					return nil, fmt.Errorf("league %v: %w", key, err)
				}
				for _, tier := range league.Tiers {
					for _, d := range tier.Divisions {
						if err := o.store.UpsertDivision(ctx, r, d); err != nil {
							return nil, fmt.Errorf("division %d: %w", d.LadderID, err)
						}
						divisions = append(divisions, d)
					}
				}
			}
		}
	}
	return divisions, nil
}

// runAlternative ingests through profile-ladder discovery. It returns the
// queue/league coverage of the ladders actually read, which is all the pass
// event may claim.
func (o *Orchestrator) runAlternative(ctx context.Context, r region.Region, season ladder.Season, pool *persistPool, acc *accumulator) (Subset, error) {
	maxID, err := o.store.FindMaxLadderID(ctx, r, season.BattlenetID)
	if err != nil {
		return Subset{}, fmt.Errorf("max ladder id: %w", err)
	}

	refs, err := o.discovery.DiscoverLadders(ctx, r, maxID)
	if err != nil {
		return Subset{}, err
	}
	for _, ref := range refs {
		if err := o.store.UpsertDivision(ctx, r, ref.Division); err != nil {
			return Subset{}, fmt.Errorf("division %d: %w", ref.Division.LadderID, err)
		}
	}

	cursor, err := storage.GetInt64(ctx, o.vars, storage.RegionVar(r, storage.VarLastUpdatedCharacter))
	if err != nil && !errors.Is(err, storage.ErrVarMissing) {
		o.logger.Warn().Str("region", r.String()).Err(err).Msg("character cursor unreadable, sweeping from the top")
		cursor = 0
	}
	refs = resumeOrder(refs, cursor)

	teams, processed, uerr := o.discovery.UpdateLadders(ctx, r, refs)

	// Persist sweep progress first: an interrupted pass resumes with the
	// characters it had not reached, a completed one starts over.
	cursorKey := storage.RegionVar(r, storage.VarLastUpdatedCharacter)
	if processed < len(refs) {
		if last := lastCharacter(refs[:processed]); last > 0 {
			if err := storage.SetInt64(ctx, o.vars, cursorKey, last); err != nil {
				o.logger.Warn().Str("region", r.String()).Err(err).Msg("character cursor not persisted")
			}
		}
	} else if err := o.vars.DeleteVar(ctx, cursorKey); err != nil && !errors.Is(err, storage.ErrVarMissing) {
		o.logger.Warn().Str("region", r.String()).Err(err).Msg("character cursor not cleared")
	}
	if uerr != nil {
		return Subset{}, uerr
	}

	acc.addTeams(teams)
	for start := 0; start < len(teams); start += o.config.BatchSize {
		end := start + o.config.BatchSize
		if end > len(teams) {
			end = len(teams)
		}
		pool.submit(teams[start:end:end])
	}
	return coverageOf(refs), nil
}

// filterDivisions narrows pre-created divisions to the cadence subset.
func filterDivisions(divisions []ladder.Division, s Subset) []ladder.Division {
	var out []ladder.Division
	for _, d := range divisions {
		if s.Contains(d.Queue, d.League) {
			out = append(out, d)
		}
	}
	return out
}

// resumeOrder rotates the sweep so ladders whose lead representative is past
// the character cursor come first; an interrupted sweep picks up with the
// characters it had not reached yet.
func resumeOrder(refs []alternative.LadderRef, cursor int64) []alternative.LadderRef {
	if cursor == 0 {
		return refs
	}
	var ahead, behind []alternative.LadderRef
	for _, ref := range refs {
		if leadCharacter(ref) > cursor {
			ahead = append(ahead, ref)
		} else {
			behind = append(behind, ref)
		}
	}
	return append(ahead, behind...)
}

func leadCharacter(ref alternative.LadderRef) int64 {
	if len(ref.Representatives) == 0 {
		return 0
	}
	return ref.Representatives[0].BattlenetID
}

// lastCharacter returns the highest lead representative id among the refs.
func lastCharacter(refs []alternative.LadderRef) int64 {
	var last int64
	for _, ref := range refs {
		if id := leadCharacter(ref); id > last {
			last = id
		}
	}
	return last
}

// coverageOf collects the queue/league identities of the given ladders.
func coverageOf(refs []alternative.LadderRef) Subset {
	var s Subset
	seenQueues := make(map[ladder.QueueType]bool)
	seenLeagues := make(map[ladder.LeagueType]bool)
	for _, ref := range refs {
		if !seenQueues[ref.Division.Queue] {
			seenQueues[ref.Division.Queue] = true
			s.Queues = append(s.Queues, ref.Division.Queue)
		}
		if !seenLeagues[ref.Division.League] {
			seenLeagues[ref.Division.League] = true
			s.Leagues = append(s.Leagues, ref.Division.League)
		}
	}
	return s
}

// validateTeams applies the uniform acceptance policy in place.
func validateTeams(teams []ladder.Team) []ladder.Team {
	accepted := teams[:0]
	for i := range teams {
		if err := ladder.Validate(&teams[i]); err != nil {
			continue
		}
		accepted = append(accepted, teams[i])
	}
	return accepted
}

// flushEvents emits the per-pass notifications: character activity in
// batches, then the single coverage event.
func (o *Orchestrator) flushEvents(ctx context.Context, acc *accumulator) error {
	var errs []error

	chars := acc.characters()
	for start := 0; start < len(chars); start += o.config.BatchSize {
		end := start + o.config.BatchSize
		if end > len(chars) {
			end = len(chars)
		}
		if err := o.events.CharacterActivity(ctx, chars[start:end:end]); err != nil {
			errs = append(errs, fmt.Errorf("character activity: %w", err))
			break
		}
	}

	cov := acc.coverage()
	if len(cov.Regions) > 0 {
		if err := o.events.LadderUpdated(ctx, cov); err != nil {
			errs = append(errs, fmt.Errorf("ladder updated event: %w", err))
		}
	}
	return errors.Join(errs...)
}
