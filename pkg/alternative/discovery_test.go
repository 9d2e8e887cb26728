package alternative

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/internal/testutil"
	"github.com/ladderstats/ingest/pkg/api"
	"github.com/ladderstats/ingest/pkg/health"
	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/ratelimit"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestDiscovery(t *testing.T, apiMock, webMock *testutil.MockAPI, cfg Config) *Discovery {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())

	clientCfg := api.DefaultConfig()
	clientCfg.BaseURLs = make(map[region.Region]string)
	clientCfg.WebBaseURLs = make(map[region.Region]string)
	for _, r := range region.All() {
		clientCfg.BaseURLs[r] = apiMock.URL()
		if webMock != nil {
			clientCfg.WebBaseURLs[r] = webMock.URL()
		}
	}
	client := api.NewRegionalClient(ctx, store, reg, clientCfg, testLogger())

	limiter := ratelimit.NewHeaderLimiter("test", 1000, testLogger())
	limiter.AddPriorityLimiter(api.PriorityWeb, 100)
	limiters := make(map[region.Region]*ratelimit.HeaderLimiter)
	for _, r := range region.All() {
		limiters[r] = limiter
	}

	fetcher := api.NewFetcher(client, limiters, reg, testLogger())
	return NewDiscovery(fetcher, cfg, testLogger())
}

func ladderBody(seasonID, queueID int, memberIDs ...int) string {
	body := `{"league": {"league_key": {"season_id": ` + strconv.Itoa(seasonID) + `, "queue_id": ` + strconv.Itoa(queueID) + `, "team_type": 0, "league_id": 4}}, "team": [`
	for i, id := range memberIDs {
		if i > 0 {
			body += ","
		}
		body += `{"rating": 3000, "wins": 5, "losses": 5, "member": [{"legacy_link": {"realm": 1, "id": ` + strconv.Itoa(id) + `, "name": "P#` + strconv.Itoa(id) + `"}}]}`
	}
	return body + `]}`
}

func summaryBody(ladderID int) string {
	return `{"allLadderMemberships": [{"ladderId": "` + strconv.Itoa(ladderID) + `", "localizedGameMode": "1v1 Diamond"}]}`
}

func TestDiscoverLadders_ConsecutiveMissBound(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{MissThreshold: 3})

	// Valid 1v1 ladders at 101 and 104; everything else is a 404 miss.
	mock.SetResponse("/data/sc2/ladder/101", testutil.NewJSONResponse(ladderBody(50, 201, 10)))
	mock.SetResponse("/sc2/profile/2/1/10/ladder/summary", testutil.NewJSONResponse(summaryBody(101)))
	mock.SetResponse("/data/sc2/ladder/104", testutil.NewJSONResponse(ladderBody(50, 201, 12)))
	mock.SetResponse("/sc2/profile/2/1/12/ladder/summary", testutil.NewJSONResponse(summaryBody(104)))

	refs, err := d.DiscoverLadders(context.Background(), region.EU, 100)
	if err != nil {
		t.Fatalf("DiscoverLadders: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("discovered %d ladders, want 2", len(refs))
	}
	if refs[0].Division.LadderID != 101 || refs[1].Division.LadderID != 104 {
		t.Errorf("discovered ids %d, %d, want 101, 104", refs[0].Division.LadderID, refs[1].Division.LadderID)
	}
	if refs[0].Division.Queue != ladder.Queue1v1 || refs[0].Division.SeasonID != 50 {
		t.Errorf("unexpected division %+v", refs[0].Division)
	}
	if len(refs[0].Representatives) != 1 || refs[0].Representatives[0].BattlenetID != 10 {
		t.Errorf("unexpected representatives %+v", refs[0].Representatives)
	}

	// The scan stops after 3 consecutive misses past 104: ids 105-107.
	if mock.GetPathCount("/data/sc2/ladder/108") != 0 {
		t.Error("scan continued past the consecutive-miss bound")
	}
	if mock.GetPathCount("/data/sc2/ladder/107") != 1 {
		t.Error("scan stopped before the consecutive-miss bound")
	}
}

func TestDiscoverLadders_RejectsNon1v1AndUnlinked(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{MissThreshold: 2})

	// 101 resolves but is a 2v2 ladder; 102 is 1v1 but the member's profile
	// links to a different ladder.
	mock.SetResponse("/data/sc2/ladder/101", testutil.NewJSONResponse(ladderBody(50, 202, 10)))
	mock.SetResponse("/data/sc2/ladder/102", testutil.NewJSONResponse(ladderBody(50, 201, 11)))
	mock.SetResponse("/sc2/profile/2/1/11/ladder/summary", testutil.NewJSONResponse(summaryBody(999)))

	refs, err := d.DiscoverLadders(context.Background(), region.EU, 100)
	if err != nil {
		t.Fatalf("DiscoverLadders: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("discovered %d ladders, want 0", len(refs))
	}
}

func TestUpdateLadders_TriesRepresentativesInOrder(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{})

	division := ladder.Division{
		LeagueKey: ladder.LeagueKey{SeasonID: 50, Queue: ladder.Queue1v1, TeamType: ladder.TeamArranged, League: ladder.LeagueDiamond},
		Tier:      1,
		LadderID:  301,
	}
	reps := []ladder.Character{
		{Region: region.EU, Realm: 1, BattlenetID: 21},
		{Region: region.EU, Realm: 1, BattlenetID: 22},
		{Region: region.EU, Realm: 1, BattlenetID: 23},
	}

	// The first two profiles are stale (404); the third serves the ladder
	// with one good team, one empty-record team, and one empty roster.
	mock.SetResponse("/sc2/profile/2/1/23/ladder/301", testutil.NewJSONResponse(`{
		"ladderTeams": [
			{"teamMembers": [{"id": "77", "realm": 1, "region": 2, "displayName": "Good", "favoriteRace": "zerg"}],
			 "mmr": 4000, "wins": 12, "losses": 8},
			{"teamMembers": [{"id": "78", "realm": 1, "region": 2, "displayName": "Revoked"}],
			 "mmr": 3000, "wins": 0, "losses": 0, "ties": 0},
			{"teamMembers": [], "mmr": 2000, "wins": 4, "losses": 4}
		]
	}`))

	teams, processed, err := d.UpdateLadders(context.Background(), region.EU,
		[]LadderRef{{Region: region.EU, Division: division, Representatives: reps}})
	if err != nil {
		t.Fatalf("UpdateLadders: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if len(teams) != 1 {
		t.Fatalf("accepted %d teams, want 1", len(teams))
	}
	if teams[0].Rating != 4000 || teams[0].Members[0].Character.Name != "Good" {
		t.Errorf("unexpected team %+v", teams[0])
	}
	if mock.GetPathCount("/sc2/profile/2/1/21/ladder/301") != 1 {
		t.Error("first representative not tried")
	}
	if mock.GetPathCount("/sc2/profile/2/1/22/ladder/301") != 1 {
		t.Error("second representative not tried")
	}
}

func TestUpdateLadders_WebHostLastResort(t *testing.T) {
	apiMock := testutil.NewMockAPI()
	defer apiMock.Close()
	webMock := testutil.NewMockAPI()
	defer webMock.Close()
	d := newTestDiscovery(t, apiMock, webMock, Config{})

	division := ladder.Division{
		LeagueKey: ladder.LeagueKey{SeasonID: 50, Queue: ladder.Queue1v1, TeamType: ladder.TeamArranged, League: ladder.LeagueMaster},
		Tier:      1,
		LadderID:  305,
	}
	reps := []ladder.Character{{Region: region.EU, Realm: 1, BattlenetID: 31}}

	webMock.SetResponse("/sc2/profile/2/1/31/ladder/305", testutil.NewJSONResponse(`{
		"ladderTeams": [
			{"teamMembers": [{"id": "90", "realm": 1, "region": 2, "displayName": "WebOnly"}],
			 "mmr": 4500, "wins": 30, "losses": 10}
		]
	}`))

	teams, _, err := d.UpdateLadders(context.Background(), region.EU,
		[]LadderRef{{Region: region.EU, Division: division, Representatives: reps}})
	if err != nil {
		t.Fatalf("UpdateLadders: %v", err)
	}
	if len(teams) != 1 || teams[0].Rating != 4500 {
		t.Fatalf("unexpected teams %+v", teams)
	}
	if webMock.GetPathCount("/sc2/profile/2/1/31/ladder/305") != 1 {
		t.Error("web host not used as last resort")
	}
}

func TestUpdateLadders_InterruptedSweepReportsProgress(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ref := LadderRef{
		Region: region.EU,
		Division: ladder.Division{
			LeagueKey: ladder.LeagueKey{SeasonID: 50, Queue: ladder.Queue1v1, TeamType: ladder.TeamArranged, League: ladder.LeagueGold},
			Tier:      1,
			LadderID:  310,
		},
		Representatives: []ladder.Character{{Region: region.EU, Realm: 1, BattlenetID: 41}},
	}
	_, processed, err := d.UpdateLadders(ctx, region.EU, []LadderRef{ref})
	if err == nil {
		t.Fatal("expected context error")
	}
	if processed != 0 {
		t.Errorf("processed = %d before interruption, want 0", processed)
	}
}

func TestProbeLadder_WithoutRepresentative(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{})

	mock.SetResponse("/data/sc2/ladder/500", testutil.NewJSONResponse(ladderBody(50, 201, 10)))

	ok, err := d.ProbeLadder(context.Background(), region.KR, 500)
	if err != nil {
		t.Fatalf("ProbeLadder: %v", err)
	}
	if !ok {
		t.Error("resolving ladder probed as missing")
	}

	ok, err = d.ProbeLadder(context.Background(), region.KR, 501)
	if err != nil {
		t.Fatalf("ProbeLadder: %v", err)
	}
	if ok {
		t.Error("missing ladder probed as resolving")
	}
}

func TestProbeLadder_UsesKnownRepresentative(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	d := newTestDiscovery(t, mock, nil, Config{MissThreshold: 1})

	// Discovery remembers member 10 as KR's representative.
	mock.SetResponse("/data/sc2/ladder/101", testutil.NewJSONResponse(ladderBody(50, 201, 10)))
	mock.SetResponse("/sc2/profile/3/1/10/ladder/summary", testutil.NewJSONResponse(summaryBody(101)))
	if _, err := d.DiscoverLadders(context.Background(), region.KR, 100); err != nil {
		t.Fatal(err)
	}

	mock.SetResponse("/sc2/profile/3/1/10/ladder/600", testutil.NewJSONResponse(`{
		"ladderTeams": [
			{"teamMembers": [{"id": "10", "realm": 1, "region": 3, "displayName": "Rep"}],
			 "mmr": 3600, "wins": 9, "losses": 9}
		]
	}`))

	ok, err := d.ProbeLadder(context.Background(), region.KR, 600)
	if err != nil {
		t.Fatalf("ProbeLadder: %v", err)
	}
	if !ok {
		t.Error("probe through representative failed")
	}
	if mock.GetPathCount("/sc2/profile/3/1/10/ladder/600") != 1 {
		t.Error("probe did not go through the profile-ladder endpoint")
	}
	if mock.GetPathCount("/data/sc2/ladder/600") != 0 {
		t.Error("probe fell back to the bare ladder endpoint")
	}
}
