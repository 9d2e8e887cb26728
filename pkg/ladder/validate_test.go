package ladder

import (
	"errors"
	"testing"

	"github.com/ladderstats/ingest/pkg/region"
)

func member(id int64) Member {
	return Member{Character: Character{Region: region.EU, Realm: 1, BattlenetID: id}}
}

func TestValidate(t *testing.T) {
	key1v1 := LeagueKey{SeasonID: 50, Queue: Queue1v1, TeamType: TeamArranged, League: LeagueGold}
	key2v2 := LeagueKey{SeasonID: 50, Queue: Queue2v2, TeamType: TeamArranged, League: LeagueGold}

	tests := []struct {
		name        string
		team        Team
		expectErr   error
		expectCount int
	}{
		{
			name:        "valid 1v1 team",
			team:        Team{League: key1v1, Wins: 10, Losses: 5, Members: []Member{member(7)}},
			expectCount: 1,
		},
		{
			name:      "wrong member count",
			team:      Team{League: key2v2, Wins: 1, Members: []Member{member(7)}},
			expectErr: ErrMemberCount,
		},
		{
			name:      "all zero record",
			team:      Team{League: key1v1, Members: []Member{member(7)}},
			expectErr: ErrEmptyRecord,
		},
		{
			name:        "member without account ref is dropped without failing the team",
			team:        Team{League: key2v2, Wins: 3, Members: []Member{member(7), member(0)}},
			expectCount: 1,
		},
		{
			name:      "roster checked against format before dropping",
			team:      Team{League: key2v2, Wins: 3, Members: []Member{member(7), member(0), member(9)}},
			expectErr: ErrMemberCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.team)
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.expectErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if len(tt.team.Members) != tt.expectCount {
				t.Errorf("kept %d members, want %d", len(tt.team.Members), tt.expectCount)
			}
		})
	}
}

func TestLegacyID_OrderIndependent(t *testing.T) {
	key := LeagueKey{SeasonID: 50, Queue: Queue2v2, TeamType: TeamArranged, League: LeagueGold}
	a := LegacyID(key, []Member{member(1), member(2)})
	b := LegacyID(key, []Member{member(2), member(1)})
	if a != b {
		t.Errorf("LegacyID depends on member order: %q != %q", a, b)
	}

	other := LegacyID(key, []Member{member(1), member(3)})
	if a == other {
		t.Errorf("LegacyID collision for different rosters: %q", a)
	}
}
