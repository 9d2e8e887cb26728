package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/health"
	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/ratelimit"
	"github.com/ladderstats/ingest/pkg/region"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_fetch_requests_total",
		Help: "Total upstream fetches by operation and status",
	}, []string{"operation", "status"})

	fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ladder_fetch_duration_seconds",
		Help:    "Upstream fetch duration by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
)

// PriorityWeb is the limiter sub-bucket reserved for the heavily rate-limited
// web-fallback host.
const PriorityWeb = "web"

// seasonWalkLimit bounds how many season ids GetCurrentOrLastSeason probes in
// either direction.
const seasonWalkLimit = 10

// Fetcher exposes the typed ladder operations. Every call acquires a slot
// from the region's limiter chain, records a request on the region's health
// monitor before dispatch and an error after a failed one, and runs under the
// health-derived retry policy.
type Fetcher struct {
	client   *RegionalClient
	limiters map[region.Region]*ratelimit.HeaderLimiter
	health   *health.Registry
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher. The limiter map decides the budget topology:
// distinct limiters per region keep budgets separate, the same limiter under
// every key makes all regions compete for one shared budget.
func NewFetcher(client *RegionalClient, limiters map[region.Region]*ratelimit.HeaderLimiter, healthReg *health.Registry, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		limiters: limiters,
		health:   healthReg,
		logger:   logger,
	}
}

// fetch runs one instrumented upstream GET. handle consumes the 2xx response
// body; non-2xx statuses become classified APIErrors before handle is called.
func (f *Fetcher) fetch(ctx context.Context, op string, target region.Region, path string, policy RetryPolicy, web bool, handle func(*http.Response) error) error {
	effective := f.client.EffectiveRegion(target)
	if effective != target {
		f.logger.Debug().
			Str("region", target.String()).
			Str("effective", effective.String()).
			Str("operation", op).
			Msg("request redirected")
	}

	base := f.client.BaseURL(effective)
	class := health.ClassAPI
	var priorities []string
	if web {
		base = f.client.WebBaseURL(effective)
		class = health.ClassWeb
		priorities = []string{PriorityWeb}
		f.logger.Warn().
			Str("region", target.String()).
			Str("operation", op).
			Msg("using degraded web-fallback host")
	}

	monitor := f.health.Monitor(target, class)
	limiter := f.limiters[target]
	policy = f.client.Retry(target, policy, web)

	start := time.Now()
	defer func() {
		fetchDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	return doWithRetry(ctx, f.logger, policy, func() error {
		if err := limiter.Acquire(ctx, priorities...); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		monitor.AddRequest()
		resp, err := f.client.HTTPClient(effective).Do(req)
		if err != nil {
			monitor.AddError()
			fetchRequestsTotal.WithLabelValues(op, "network_error").Inc()
			return &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
		}
		defer resp.Body.Close()

		if headers, ok := ratelimit.ParseRateLimitHeaders(resp.Header, time.Now()); ok {
			limiter.ApplyHeaderLimit(headers)
		}

		fetchRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode >= 400 {
			class := classifyStatus(resp.StatusCode)
			// A 404 is a meaningful answer, not an upstream fault; counting
			// it would let routine probes poison the redirect signal.
			if class != ErrorClassNotFound {
				monitor.AddError()
			}
			return &APIError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
		}

		return handle(resp)
	})
}

// getJSON fetches and decodes a JSON payload.
func (f *Fetcher) getJSON(ctx context.Context, op string, target region.Region, path string, policy RetryPolicy, web bool, out any) error {
	return f.fetch(ctx, op, target, path, policy, web, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s payload: %w", op, err)
		}
		return nil
	})
}

// GetSeason fetches one season by battlenet id.
func (f *Fetcher) GetSeason(ctx context.Context, r region.Region, id int) (ladder.Season, error) {
	var payload seasonPayload
	path := fmt.Sprintf("/data/sc2/season/%d", id)
	if err := f.getJSON(ctx, "season", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return ladder.Season{}, err
	}
	return payload.toSeason(r), nil
}

// GetCurrentSeason fetches the region's current season.
func (f *Fetcher) GetCurrentSeason(ctx context.Context, r region.Region) (ladder.Season, error) {
	var payload seasonPayload
	path := fmt.Sprintf("/sc2/ladder/season/%d", r.Ordinal())
	if err := f.getJSON(ctx, "current_season", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return ladder.Season{}, err
	}
	return payload.toSeason(r), nil
}

// GetCurrentOrLastSeason walks season ids from startFrom until one resolves:
// forward as long as ids keep resolving to find the newest, then backward
// when startFrom itself does not resolve. A season id below startFrom that
// never resolves is fatal for the call.
func (f *Fetcher) GetCurrentOrLastSeason(ctx context.Context, r region.Region, startFrom int) (ladder.Season, error) {
	season, err := f.GetSeason(ctx, r, startFrom)
	if err == nil {
		// Walk forward: a newer season may have started.
		for id := startFrom + 1; id <= startFrom+seasonWalkLimit; id++ {
			next, err := f.GetSeason(ctx, r, id)
			if err != nil {
				break
			}
			season = next
		}
		return season, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ladder.Season{}, err
	}

	for id := startFrom - 1; id > startFrom-seasonWalkLimit && id > 0; id-- {
		season, err := f.GetSeason(ctx, r, id)
		if err == nil {
			return season, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ladder.Season{}, err
		}
	}
	return ladder.Season{}, fmt.Errorf("%w: no season resolved at or below id %d for %s", ErrNoSeason, startFrom, r)
}

// GetLeague fetches one league's tiers and divisions. For the current season
// an upstream 404 yields an empty league, not an error: a just-started season
// legitimately lacks some leagues.
func (f *Fetcher) GetLeague(ctx context.Context, r region.Region, key ladder.LeagueKey, currentSeason bool) (League, error) {
	var payload leaguePayload
	path := fmt.Sprintf("/data/sc2/league/%d/%d/%d/%d",
		key.SeasonID, int(key.Queue), int(key.TeamType), int(key.League))
	err := f.getJSON(ctx, "league", r, path, RetrySkipNotFound, false, &payload)
	if err != nil {
		if currentSeason && errors.Is(err, ErrNotFound) {
			return League{Key: key}, nil
		}
		return League{}, err
	}
	return payload.toLeague(key), nil
}

// GetLadder fetches all teams of one division's ladder.
func (f *Fetcher) GetLadder(ctx context.Context, r region.Region, d ladder.Division) ([]ladder.Team, error) {
	var payload ladderPayload
	path := fmt.Sprintf("/data/sc2/ladder/%d", d.LadderID)
	if err := f.getJSON(ctx, "ladder", r, path, RetryDefault, false, &payload); err != nil {
		return nil, err
	}
	teams := make([]ladder.Team, 0, len(payload.Team))
	for _, t := range payload.Team {
		teams = append(teams, t.toTeam(r, d))
	}
	return teams, nil
}

// ResolveLadder fetches one ladder by bare id, reading the league key out of
// the payload itself. Discovery knows ladder ids before it knows their
// leagues. The payload does not carry the tier; the first tier is assumed.
func (f *Fetcher) ResolveLadder(ctx context.Context, r region.Region, ladderID int64) (ladder.Division, []ladder.Team, error) {
	var payload ladderFullPayload
	path := fmt.Sprintf("/data/sc2/ladder/%d", ladderID)
	if err := f.getJSON(ctx, "resolve_ladder", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return ladder.Division{}, nil, err
	}

	lk := payload.League.LeagueKey
	division := ladder.Division{
		LeagueKey: ladder.LeagueKey{
			SeasonID: lk.SeasonID,
			Queue:    ladder.QueueType(lk.QueueID),
			TeamType: ladder.TeamType(lk.TeamType),
			League:   ladder.LeagueType(lk.LeagueID),
		},
		Tier:     1,
		LadderID: ladderID,
	}
	teams := make([]ladder.Team, 0, len(payload.Team))
	for _, t := range payload.Team {
		teams = append(teams, t.toTeam(r, division))
	}
	return division, teams, nil
}

// GetFilteredLadder streams one division's ladder and extracts only teams
// whose last_played_time_stamp exceeds the cutoff, so incremental passes do
// not materialize full historical rosters.
func (f *Fetcher) GetFilteredLadder(ctx context.Context, r region.Region, d ladder.Division, sinceEpochSeconds int64) ([]ladder.Team, error) {
	var teams []ladder.Team
	path := fmt.Sprintf("/data/sc2/ladder/%d", d.LadderID)
	err := f.fetch(ctx, "filtered_ladder", r, path, RetryDefault, false, func(resp *http.Response) error {
		extracted, err := extractActiveTeams(resp, r, d, sinceEpochSeconds)
		if err != nil {
			return err
		}
		teams = extracted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return teams, nil
}

// extractActiveTeams scans the raw ladder payload token by token, decoding
// one team entry at a time and keeping only the active ones.
func extractActiveTeams(resp *http.Response, r region.Region, d ladder.Division, since int64) ([]ladder.Team, error) {
	dec := json.NewDecoder(resp.Body)
	var teams []ladder.Team

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scan ladder payload: %w", err)
		}
		if key, ok := tok.(string); ok && key == "team" {
			break
		}
	}

	// Opening bracket of the team array.
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("scan team array: %w", err)
	}
	for dec.More() {
		var entry ladderTeam
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode team entry: %w", err)
		}
		if entry.LastPlayed <= since {
			continue
		}
		teams = append(teams, entry.toTeam(r, d))
	}
	return teams, nil
}

// GetProfileLadderID resolves a 1v1 ladder id from a character's ladder
// summary. Used by the alternative discovery path.
func (f *Fetcher) GetProfileLadderID(ctx context.Context, r region.Region, c ladder.Character) (int64, error) {
	var payload ladderSummaryPayload
	path := fmt.Sprintf("/sc2/profile/%d/%d/%d/ladder/summary", r.Ordinal(), c.Realm, c.BattlenetID)
	if err := f.getJSON(ctx, "profile_ladder_summary", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return 0, err
	}
	for _, m := range payload.AllLadderMemberships {
		if !strings.HasPrefix(m.LocalizedGameMode, "1v1") {
			continue
		}
		id, err := strconv.ParseInt(m.LadderID, 10, 64)
		if err != nil {
			continue
		}
		return id, nil
	}
	return 0, ErrNotFound
}

// GetProfileLadder fetches one ladder through a member's profile view.
func (f *Fetcher) GetProfileLadder(ctx context.Context, r region.Region, c ladder.Character, d ladder.Division) ([]ladder.Team, error) {
	var payload profileLadderPayload
	path := fmt.Sprintf("/sc2/profile/%d/%d/%d/ladder/%d", r.Ordinal(), c.Realm, c.BattlenetID, d.LadderID)
	if err := f.getJSON(ctx, "profile_ladder", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return nil, err
	}
	return payload.toTeams(r, d), nil
}

// GetLegacyProfile fetches a character's legacy profile.
func (f *Fetcher) GetLegacyProfile(ctx context.Context, r region.Region, c ladder.Character) (LegacyProfile, error) {
	var payload LegacyProfile
	path := fmt.Sprintf("/sc2/legacy/profile/%d/%d/%d", r.Ordinal(), c.Realm, c.BattlenetID)
	if err := f.getJSON(ctx, "legacy_profile", r, path, RetryOnce, false, &payload); err != nil {
		return LegacyProfile{}, err
	}
	return payload, nil
}

// GetMatches fetches a character's recent match history.
func (f *Fetcher) GetMatches(ctx context.Context, r region.Region, c ladder.Character) ([]Match, error) {
	var payload matchesPayload
	path := fmt.Sprintf("/sc2/legacy/profile/%d/%d/%d/matches", r.Ordinal(), c.Realm, c.BattlenetID)
	if err := f.getJSON(ctx, "matches", r, path, RetrySkipNotFound, false, &payload); err != nil {
		return nil, err
	}
	return payload.Matches, nil
}

// GetProfileLadderWeb is the web-fallback variant of GetProfileLadder,
// reached through the OAuth-less host and its reserved priority slots. Last
// resort only.
func (f *Fetcher) GetProfileLadderWeb(ctx context.Context, r region.Region, c ladder.Character, d ladder.Division) ([]ladder.Team, error) {
	var payload profileLadderPayload
	path := fmt.Sprintf("/sc2/profile/%d/%d/%d/ladder/%d", r.Ordinal(), c.Realm, c.BattlenetID, d.LadderID)
	if err := f.getJSON(ctx, "profile_ladder_web", r, path, RetryOnce, true, &payload); err != nil {
		return nil, err
	}
	return payload.toTeams(r, d), nil
}
