package update

import (
	"sort"
	"sync"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
)

// accumulator collects what one cycle actually touched: the coverage for the
// ladder-updated event and the characters for activity batches. Shared by
// all region goroutines of a cycle.
type accumulator struct {
	mu      sync.Mutex
	season  int
	regions map[region.Region]struct{}
	queues  map[ladder.QueueType]struct{}
	leagues map[ladder.LeagueType]struct{}
	chars   map[string]ladder.Character
}

func newAccumulator() *accumulator {
	return &accumulator{
		regions: make(map[region.Region]struct{}),
		queues:  make(map[ladder.QueueType]struct{}),
		leagues: make(map[ladder.LeagueType]struct{}),
		chars:   make(map[string]ladder.Character),
	}
}

// addSubset records that a region completed a pass over the subset.
func (a *accumulator) addSubset(r region.Region, seasonID int, s Subset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seasonID > a.season {
		a.season = seasonID
	}
	a.regions[r] = struct{}{}
	for _, q := range s.Queues {
		a.queues[q] = struct{}{}
	}
	for _, l := range s.Leagues {
		a.leagues[l] = struct{}{}
	}
}

// addTeams records the characters seen on accepted teams.
func (a *accumulator) addTeams(teams []ladder.Team) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range teams {
		for _, m := range t.Members {
			a.chars[m.Character.Key()] = m.Character
		}
	}
}

// coverage reports the touched season/region/queue/league sets in a stable
// order.
func (a *accumulator) coverage() ladder.Coverage {
	a.mu.Lock()
	defer a.mu.Unlock()

	cov := ladder.Coverage{Season: a.season}
	for r := range a.regions {
		cov.Regions = append(cov.Regions, r)
	}
	sort.Slice(cov.Regions, func(i, j int) bool { return cov.Regions[i] < cov.Regions[j] })
	for q := range a.queues {
		cov.Queues = append(cov.Queues, q)
	}
	sort.Slice(cov.Queues, func(i, j int) bool { return cov.Queues[i] < cov.Queues[j] })
	for l := range a.leagues {
		cov.Leagues = append(cov.Leagues, l)
	}
	sort.Slice(cov.Leagues, func(i, j int) bool { return cov.Leagues[i] < cov.Leagues[j] })
	return cov
}

// characters returns the touched characters sorted by natural key.
func (a *accumulator) characters() []ladder.Character {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.chars))
	for k := range a.chars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chars := make([]ladder.Character, 0, len(keys))
	for _, k := range keys {
		chars = append(chars, a.chars[k])
	}
	return chars
}
