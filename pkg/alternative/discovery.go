// Package alternative implements the fallback ingestion path: instead of
// enumerating leagues and divisions, it discovers ladders by probing numeric
// ladder ids and reads them back through member profile-ladder lookups.
package alternative

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/api"
	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
)

var (
	laddersDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_alternative_discovered_total",
		Help: "Ladders discovered through the alternative path by region",
	}, []string{"region"})

	teamsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_teams_rejected_total",
		Help: "Teams dropped by validation by reason",
	}, []string{"reason"})
)

// Scan policy defaults.
const (
	// DefaultMissThreshold ends a discovery scan after this many consecutive
	// ids that do not resolve to a valid 1v1 ladder. A count bound, not a
	// timeout, so the scan terminates deterministically.
	DefaultMissThreshold = 50

	// maxRepresentatives is how many roster-spread member profiles a ladder
	// keeps as read candidates. Individual profiles go stale; three spread
	// across the roster has proven enough in practice.
	maxRepresentatives = 3
)

// LadderRef is one discovered ladder: its division identity plus the member
// profiles it can be read through.
type LadderRef struct {
	Region          region.Region
	Division        ladder.Division
	Representatives []ladder.Character
}

// Config tunes the discovery scan. Zero fields take the defaults.
type Config struct {
	MissThreshold int
}

func (c Config) withDefaults() Config {
	if c.MissThreshold == 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	return c
}

// Discovery finds and reads ladders without the primary league enumeration.
// It keeps one known-good representative character per region so staleness
// probes can go through the profile-ladder endpoint.
type Discovery struct {
	fetcher *api.Fetcher
	config  Config
	logger  zerolog.Logger

	mu              sync.RWMutex
	representatives map[region.Region]ladder.Character
}

// NewDiscovery creates a discovery service over the given fetcher.
func NewDiscovery(fetcher *api.Fetcher, cfg Config, logger zerolog.Logger) *Discovery {
	return &Discovery{
		fetcher:         fetcher,
		config:          cfg.withDefaults(),
		logger:          logger.With().Str("component", "alternative-discovery").Logger(),
		representatives: make(map[region.Region]ladder.Character),
	}
}

// DiscoverLadders scans ladder ids upward from fromID+1, collecting valid
// 1v1 ladders until the consecutive-miss bound is hit. An id counts as a hit
// only when it resolves, is a 1v1 ladder, and a sampled member's
// profile-ladder link points back at it.
func (d *Discovery) DiscoverLadders(ctx context.Context, r region.Region, fromID int64) ([]LadderRef, error) {
	var refs []LadderRef
	misses := 0

	for id := fromID + 1; misses < d.config.MissThreshold; id++ {
		if err := ctx.Err(); err != nil {
			return refs, err
		}

		ref, ok := d.examine(ctx, r, id)
		if !ok {
			misses++
			continue
		}
		misses = 0
		refs = append(refs, ref)
		laddersDiscovered.WithLabelValues(r.String()).Inc()
		d.rememberRepresentative(r, ref.Representatives[0])
	}

	d.logger.Info().
		Str("region", r.String()).
		Int64("from", fromID+1).
		Int("discovered", len(refs)).
		Msg("discovery scan finished")
	return refs, nil
}

// examine resolves one candidate id and confirms it through a member's
// profile-ladder link.
func (d *Discovery) examine(ctx context.Context, r region.Region, id int64) (LadderRef, bool) {
	division, teams, err := d.fetcher.ResolveLadder(ctx, r, id)
	if err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			d.logger.Debug().
				Str("region", r.String()).
				Int64("ladder_id", id).
				Err(err).
				Msg("candidate ladder fetch failed")
		}
		return LadderRef{}, false
	}
	if division.Queue != ladder.Queue1v1 || len(teams) == 0 {
		return LadderRef{}, false
	}

	reps := spreadRepresentatives(teams)
	confirmed := false
	for _, rep := range reps {
		linked, err := d.fetcher.GetProfileLadderID(ctx, r, rep)
		if err != nil {
			continue
		}
		if linked == id {
			confirmed = true
			break
		}
	}
	if !confirmed {
		return LadderRef{}, false
	}

	return LadderRef{Region: r, Division: division, Representatives: reps}, true
}

// UpdateLadders reads each known ladder through its representative profiles,
// trying each in order until one lookup succeeds and falling back to the web
// host as a last resort. Teams failing validation are dropped; the rest of
// the ladder proceeds. The second return is how many refs were processed, so
// an interrupted sweep can persist a resume point.
func (d *Discovery) UpdateLadders(ctx context.Context, r region.Region, refs []LadderRef) ([]ladder.Team, int, error) {
	var accepted []ladder.Team

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return accepted, i, err
		}

		teams, err := d.readLadder(ctx, r, ref)
		if err != nil {
			d.logger.Warn().
				Str("region", r.String()).
				Int64("ladder_id", ref.Division.LadderID).
				Int("candidates", len(ref.Representatives)).
				Err(err).
				Msg("every representative profile failed, skipping ladder")
			continue
		}

		for i := range teams {
			if err := ladder.Validate(&teams[i]); err != nil {
				teamsRejected.WithLabelValues(rejectReason(err)).Inc()
				continue
			}
			accepted = append(accepted, teams[i])
		}
		if len(ref.Representatives) > 0 {
			d.rememberRepresentative(r, ref.Representatives[0])
		}
	}

	return accepted, len(refs), nil
}

func (d *Discovery) readLadder(ctx context.Context, r region.Region, ref LadderRef) ([]ladder.Team, error) {
	var lastErr error
	for _, rep := range ref.Representatives {
		teams, err := d.fetcher.GetProfileLadder(ctx, r, rep, ref.Division)
		if err == nil {
			return teams, nil
		}
		lastErr = err
	}
	if len(ref.Representatives) > 0 {
		teams, err := d.fetcher.GetProfileLadderWeb(ctx, r, ref.Representatives[0], ref.Division)
		if err == nil {
			return teams, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = api.ErrNotFound
	}
	return nil, lastErr
}

// ProbeLadder reports whether a ladder id resolves upstream. When a known
// representative exists for the region the probe goes through the primary
// profile-ladder lookup, otherwise through the bare ladder endpoint.
func (d *Discovery) ProbeLadder(ctx context.Context, r region.Region, ladderID int64) (bool, error) {
	d.mu.RLock()
	rep, ok := d.representatives[r]
	d.mu.RUnlock()

	if ok {
		division := ladder.Division{LadderID: ladderID}
		teams, err := d.fetcher.GetProfileLadder(ctx, r, rep, division)
		if err == nil {
			return len(teams) > 0, nil
		}
		if errors.Is(err, api.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	_, teams, err := d.fetcher.ResolveLadder(ctx, r, ladderID)
	if err == nil {
		return len(teams) > 0, nil
	}
	if errors.Is(err, api.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (d *Discovery) rememberRepresentative(r region.Region, c ladder.Character) {
	d.mu.Lock()
	d.representatives[r] = c
	d.mu.Unlock()
}

// spreadRepresentatives picks up to three member characters spread across
// the roster: first, middle, last.
func spreadRepresentatives(teams []ladder.Team) []ladder.Character {
	var chars []ladder.Character
	for _, t := range teams {
		for _, m := range t.Members {
			if m.Character.BattlenetID != 0 {
				chars = append(chars, m.Character)
			}
		}
	}
	if len(chars) <= maxRepresentatives {
		return chars
	}
	return []ladder.Character{
		chars[0],
		chars[len(chars)/2],
		chars[len(chars)-1],
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ladder.ErrMemberCount):
		return "member_count"
	case errors.Is(err, ladder.ErrEmptyRecord):
		return "empty_record"
	default:
		return "other"
	}
}
