package api

import (
	"strconv"
	"time"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
)

// Wire payloads. Only the fields needed to extract ladder/team/season facts
// are mapped; the rest of the vendor schema is ignored.

type seasonPayload struct {
	SeasonID  int    `json:"seasonId"`
	Number    int    `json:"number"`
	Year      int    `json:"year"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

func (p seasonPayload) toSeason(r region.Region) ladder.Season {
	return ladder.Season{
		BattlenetID: p.SeasonID,
		Region:      r,
		Year:        p.Year,
		Number:      p.Number,
		Start:       epochSecondsString(p.StartDate),
		End:         epochSecondsString(p.EndDate),
	}
}

func epochSecondsString(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// League is one league with its tiers and division mappings.
type League struct {
	Key   ladder.LeagueKey
	Tiers []LeagueTier
}

// LeagueTier is one tier and its divisions.
type LeagueTier struct {
	Tier      ladder.TierType
	Divisions []ladder.Division
}

// Empty reports whether the league has no divisions at all.
func (l League) Empty() bool {
	for _, t := range l.Tiers {
		if len(t.Divisions) > 0 {
			return false
		}
	}
	return true
}

type leaguePayload struct {
	Tier []struct {
		ID       int `json:"id"`
		Division []struct {
			LadderID int64 `json:"ladder_id"`
		} `json:"division"`
	} `json:"tier"`
}

func (p leaguePayload) toLeague(key ladder.LeagueKey) League {
	l := League{Key: key}
	for _, t := range p.Tier {
		tier := LeagueTier{Tier: ladder.TierType(t.ID + 1)}
		for _, d := range t.Division {
			tier.Divisions = append(tier.Divisions, ladder.Division{
				LeagueKey: key,
				Tier:      tier.Tier,
				LadderID:  d.LadderID,
			})
		}
		l.Tiers = append(l.Tiers, tier)
	}
	return l
}

type ladderPayload struct {
	Team []ladderTeam `json:"team"`
}

// ladderFullPayload additionally maps the league key the ladder endpoint
// embeds, for callers that know a ladder id but not its league.
type ladderFullPayload struct {
	League struct {
		LeagueKey struct {
			SeasonID int `json:"season_id"`
			QueueID  int `json:"queue_id"`
			TeamType int `json:"team_type"`
			LeagueID int `json:"league_id"`
		} `json:"league_key"`
	} `json:"league"`
	Team []ladderTeam `json:"team"`
}

type ladderTeam struct {
	Rating     int            `json:"rating"`
	Wins       int            `json:"wins"`
	Losses     int            `json:"losses"`
	Ties       int            `json:"ties"`
	Points     int            `json:"points"`
	LastPlayed int64          `json:"last_played_time_stamp"`
	Members    []ladderMember `json:"member"`
}

type ladderMember struct {
	LegacyLink struct {
		Realm int    `json:"realm"`
		ID    int64  `json:"id"`
		Name  string `json:"name"`
	} `json:"legacy_link"`
	PlayedRaces []struct {
		Race  []string `json:"race"`
		Count int      `json:"count"`
	} `json:"played_race_count"`
}

func (t ladderTeam) toTeam(r region.Region, d ladder.Division) ladder.Team {
	members := make([]ladder.Member, 0, len(t.Members))
	for _, m := range t.Members {
		member := ladder.Member{
			Character: ladder.Character{
				Region:      r,
				Realm:       m.LegacyLink.Realm,
				BattlenetID: m.LegacyLink.ID,
				Name:        m.LegacyLink.Name,
			},
		}
		for _, rc := range m.PlayedRaces {
			member.GamesPlayed += rc.Count
			if len(rc.Race) > 0 && member.FavoriteRace == "" {
				member.FavoriteRace = rc.Race[0]
			}
		}
		members = append(members, member)
	}

	return ladder.Team{
		LegacyID: ladder.LegacyID(d.LeagueKey, members),
		Region:   r,
		Season:   d.SeasonID,
		League:   d.LeagueKey,
		Tier:     d.Tier,
		LadderID: d.LadderID,
		Rating:   t.Rating,
		Wins:     t.Wins,
		Losses:   t.Losses,
		Ties:     t.Ties,
		Points:   t.Points,
		Members:  members,
	}
}

type profileLadderPayload struct {
	LadderTeams []struct {
		TeamMembers []struct {
			ID           string `json:"id"`
			Realm        int    `json:"realm"`
			Region       int    `json:"region"`
			DisplayName  string `json:"displayName"`
			FavoriteRace string `json:"favoriteRace"`
		} `json:"teamMembers"`
		MMR    int `json:"mmr"`
		Points int `json:"points"`
		Wins   int `json:"wins"`
		Losses int `json:"losses"`
		Ties   int `json:"ties"`
	} `json:"ladderTeams"`
}

func (p profileLadderPayload) toTeams(r region.Region, d ladder.Division) []ladder.Team {
	teams := make([]ladder.Team, 0, len(p.LadderTeams))
	for _, t := range p.LadderTeams {
		members := make([]ladder.Member, 0, len(t.TeamMembers))
		for _, m := range t.TeamMembers {
			id, _ := strconv.ParseInt(m.ID, 10, 64)
			members = append(members, ladder.Member{
				Character: ladder.Character{
					Region:      r,
					Realm:       m.Realm,
					BattlenetID: id,
					Name:        m.DisplayName,
				},
				FavoriteRace: m.FavoriteRace,
			})
		}
		teams = append(teams, ladder.Team{
			LegacyID: ladder.LegacyID(d.LeagueKey, members),
			Region:   r,
			Season:   d.SeasonID,
			League:   d.LeagueKey,
			Tier:     d.Tier,
			LadderID: d.LadderID,
			Rating:   t.MMR,
			Wins:     t.Wins,
			Losses:   t.Losses,
			Ties:     t.Ties,
			Points:   t.Points,
			Members:  members,
		})
	}
	return teams
}

type ladderSummaryPayload struct {
	AllLadderMemberships []struct {
		LadderID          string `json:"ladderId"`
		LocalizedGameMode string `json:"localizedGameMode"`
	} `json:"allLadderMemberships"`
}

// LegacyProfile is the minimal legacy-profile projection.
type LegacyProfile struct {
	ID          string `json:"id"`
	Realm       int    `json:"realm"`
	DisplayName string `json:"displayName"`
	ClanTag     string `json:"clanTag"`
}

// Match is one entry of a character's recent match history.
type Match struct {
	Map      string `json:"map"`
	Type     string `json:"type"`
	Decision string `json:"decision"`
	Speed    string `json:"speed"`
	Date     int64  `json:"date"`
}

type matchesPayload struct {
	Matches []Match `json:"matches"`
}
