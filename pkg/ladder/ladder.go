// Package ladder holds the domain model shared by the fetch, discovery, and
// persistence layers: seasons, leagues, divisions, teams, and their members.
// Everything is keyed by natural ids derived from stable upstream fields so
// that re-ingesting an unchanged payload is a no-op.
package ladder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ladderstats/ingest/pkg/region"
)

// QueueType identifies a ranked queue format.
type QueueType int

const (
	Queue1v1    QueueType = 201
	Queue2v2    QueueType = 202
	Queue3v3    QueueType = 203
	Queue4v4    QueueType = 204
	QueueArchon QueueType = 206
)

// Queues lists every ranked queue.
func Queues() []QueueType {
	return []QueueType{Queue1v1, Queue2v2, Queue3v3, Queue4v4, QueueArchon}
}

// TeamSize returns the expected member count for the queue's format.
func (q QueueType) TeamSize() int {
	switch q {
	case Queue1v1:
		return 1
	case Queue2v2, QueueArchon:
		return 2
	case Queue3v3:
		return 3
	case Queue4v4:
		return 4
	default:
		return 0
	}
}

func (q QueueType) String() string {
	switch q {
	case Queue1v1:
		return "1v1"
	case Queue2v2:
		return "2v2"
	case Queue3v3:
		return "3v3"
	case Queue4v4:
		return "4v4"
	case QueueArchon:
		return "archon"
	default:
		return fmt.Sprintf("QueueType(%d)", int(q))
	}
}

// TeamType distinguishes arranged from randomly matched teams.
type TeamType int

const (
	TeamArranged TeamType = iota
	TeamRandom
)

// TeamTypes lists the team types valid for a queue. Random teams only exist
// for multi-player queues.
func TeamTypes(q QueueType) []TeamType {
	if q == Queue1v1 || q == QueueArchon {
		return []TeamType{TeamArranged}
	}
	return []TeamType{TeamArranged, TeamRandom}
}

// LeagueType is the league rank, bronze through grandmaster.
type LeagueType int

const (
	LeagueBronze LeagueType = iota
	LeagueSilver
	LeagueGold
	LeaguePlatinum
	LeagueDiamond
	LeagueMaster
	LeagueGrandmaster
)

// LeagueTypes lists every league rank, lowest first.
func LeagueTypes() []LeagueType {
	return []LeagueType{
		LeagueBronze, LeagueSilver, LeagueGold, LeaguePlatinum,
		LeagueDiamond, LeagueMaster, LeagueGrandmaster,
	}
}

func (l LeagueType) String() string {
	switch l {
	case LeagueBronze:
		return "bronze"
	case LeagueSilver:
		return "silver"
	case LeagueGold:
		return "gold"
	case LeaguePlatinum:
		return "platinum"
	case LeagueDiamond:
		return "diamond"
	case LeagueMaster:
		return "master"
	case LeagueGrandmaster:
		return "grandmaster"
	default:
		return fmt.Sprintf("LeagueType(%d)", int(l))
	}
}

// TierType is the tier within a league, 1 (highest) through 3.
type TierType int

// Season is one ranked season on one region. Identified by
// (region, battlenet id); at most one season per region is current.
type Season struct {
	BattlenetID int
	Region      region.Region
	Year        int
	Number      int
	Start       time.Time
	End         time.Time
}

// LeagueKey is the natural key of a league within a season.
type LeagueKey struct {
	SeasonID int
	Queue    QueueType
	TeamType TeamType
	League   LeagueType
}

// Division maps one league tier to an upstream ladder id, 1:1.
type Division struct {
	LeagueKey
	Tier     TierType
	LadderID int64
}

// Character is a player character. Natural id: (region, realm, battlenet id).
// Created on first sighting; only the name is updated afterwards.
type Character struct {
	Region      region.Region
	Realm       int
	BattlenetID int64
	Name        string
}

// Key returns the character's natural key, sortable lexicographically.
func (c Character) Key() string {
	return fmt.Sprintf("%d-%d-%020d", c.Region.Ordinal(), c.Realm, c.BattlenetID)
}

// Member is one roster slot of a team.
type Member struct {
	Character    Character
	FavoriteRace string
	GamesPlayed  int
}

// Team is one ranked team. Rating and record fields are overwritten on every
// refresh, never averaged.
type Team struct {
	LegacyID string
	Region   region.Region
	Season   int
	League   LeagueKey
	Tier     TierType
	LadderID int64
	Rating   int
	Wins     int
	Losses   int
	Ties     int
	Points   int
	Members  []Member
}

// LegacyID derives the deterministic team id from the league key and sorted
// member keys. It is stable across refreshes and independent of any database
// surrogate.
func LegacyID(key LeagueKey, members []Member) string {
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, m.Character.Key())
	}
	sort.Strings(keys)
	return fmt.Sprintf("%d.%d.%d.%s", key.SeasonID, key.Queue, key.TeamType, strings.Join(keys, "."))
}

// Coverage describes which part of the ladder an orchestration pass actually
// touched. A partial pass only covers a subset; downstream consumers must not
// assume full coverage.
type Coverage struct {
	Season  int
	Regions []region.Region
	Queues  []QueueType
	Leagues []LeagueType
}
