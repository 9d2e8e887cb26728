package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// OpenSQLite opens the ladder database, applies pragmas, and runs embedded
// migrations.
func OpenSQLite(path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info().Str("path", path).Msg("ladder database ready")
	return db, nil
}

// SQLiteStore is the SQLite-backed LadderStore.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore wraps an opened ladder database.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// UpsertSeason creates or refreshes a season by (region, battlenet id).
func (s *SQLiteStore) UpsertSeason(ctx context.Context, season ladder.Season) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasons (region, battlenet_id, year, number, start_at, end_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (region, battlenet_id) DO UPDATE SET
			year = excluded.year,
			number = excluded.number,
			start_at = excluded.start_at,
			end_at = excluded.end_at`,
		season.Region.Ordinal(), season.BattlenetID, season.Year, season.Number,
		season.Start.UnixMilli(), season.End.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert season %d/%d: %w", season.Region.Ordinal(), season.BattlenetID, err)
	}
	return nil
}

// UpsertDivision creates or refreshes one league/tier/division mapping.
func (s *SQLiteStore) UpsertDivision(ctx context.Context, r region.Region, d ladder.Division) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO divisions (region, season_id, queue, team_type, league, tier, ladder_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.Ordinal(), d.SeasonID, int(d.Queue), int(d.TeamType), int(d.League), int(d.Tier), d.LadderID)
	if err != nil {
		return fmt.Errorf("upsert division %d: %w", d.LadderID, err)
	}
	return nil
}

// UpsertTeams writes one batch inside a single short-lived transaction.
// Character rows are written first, in globally consistent natural-key order,
// so that concurrent batches touching the same accounts cannot deadlock on
// write order.
func (s *SQLiteStore) UpsertTeams(ctx context.Context, teams []ladder.Team) (int, error) {
	if len(teams) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin team batch: %w", err)
	}
	defer tx.Rollback()

	chars := make(map[string]ladder.Character)
	for _, t := range teams {
		for _, m := range t.Members {
			chars[m.Character.Key()] = m.Character
		}
	}
	keys := make([]string, 0, len(chars))
	for k := range chars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	charStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO characters (region, realm, battlenet_id, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (region, realm, battlenet_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END`)
	if err != nil {
		return 0, fmt.Errorf("prepare character upsert: %w", err)
	}
	defer charStmt.Close()
	for _, k := range keys {
		c := chars[k]
		if _, err := charStmt.ExecContext(ctx, c.Region.Ordinal(), c.Realm, c.BattlenetID, c.Name); err != nil {
			return 0, fmt.Errorf("upsert character %s: %w", k, err)
		}
	}

	teamStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO teams (legacy_id, region, season_id, queue, team_type, league, tier, ladder_id,
			rating, wins, losses, ties, points)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (legacy_id) DO UPDATE SET
			league = excluded.league,
			tier = excluded.tier,
			ladder_id = excluded.ladder_id,
			rating = excluded.rating,
			wins = excluded.wins,
			losses = excluded.losses,
			ties = excluded.ties,
			points = excluded.points`)
	if err != nil {
		return 0, fmt.Errorf("prepare team upsert: %w", err)
	}
	defer teamStmt.Close()

	memberStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO team_members (team_legacy_id, region, realm, character_battlenet_id,
			favorite_race, games_played)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_legacy_id, region, realm, character_battlenet_id) DO UPDATE SET
			favorite_race = excluded.favorite_race,
			games_played = excluded.games_played`)
	if err != nil {
		return 0, fmt.Errorf("prepare member upsert: %w", err)
	}
	defer memberStmt.Close()

	written := 0
	for _, t := range teams {
		if _, err := teamStmt.ExecContext(ctx, t.LegacyID, t.Region.Ordinal(), t.Season,
			int(t.League.Queue), int(t.League.TeamType), int(t.League.League), int(t.Tier),
			t.LadderID, t.Rating, t.Wins, t.Losses, t.Ties, t.Points); err != nil {
			return 0, fmt.Errorf("upsert team %s: %w", t.LegacyID, err)
		}
		for _, m := range t.Members {
			if _, err := memberStmt.ExecContext(ctx, t.LegacyID, m.Character.Region.Ordinal(),
				m.Character.Realm, m.Character.BattlenetID, m.FavoriteRace, m.GamesPlayed); err != nil {
				return 0, fmt.Errorf("upsert member of %s: %w", t.LegacyID, err)
			}
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit team batch: %w", err)
	}
	return written, nil
}

// FindMaxLadderID returns the highest known ladder id for the region and
// season, or 0 when none is known.
func (s *SQLiteStore) FindMaxLadderID(ctx context.Context, r region.Region, seasonID int) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ladder_id) FROM divisions WHERE region = ? AND season_id = ?`,
		r.Ordinal(), seasonID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("find max ladder id: %w", err)
	}
	return max.Int64, nil
}

// FindSeason looks up a persisted season by battlenet id.
func (s *SQLiteStore) FindSeason(ctx context.Context, r region.Region, battlenetID int) (ladder.Season, error) {
	return s.scanSeason(s.db.QueryRowContext(ctx, `
		SELECT region, battlenet_id, year, number, start_at, end_at
		FROM seasons WHERE region = ? AND battlenet_id = ?`,
		r.Ordinal(), battlenetID))
}

// FindLastSeason returns the most recently persisted season for the region.
func (s *SQLiteStore) FindLastSeason(ctx context.Context, r region.Region) (ladder.Season, error) {
	return s.scanSeason(s.db.QueryRowContext(ctx, `
		SELECT region, battlenet_id, year, number, start_at, end_at
		FROM seasons WHERE region = ?
		ORDER BY battlenet_id DESC LIMIT 1`,
		r.Ordinal()))
}

func (s *SQLiteStore) scanSeason(row *sql.Row) (ladder.Season, error) {
	var (
		season         ladder.Season
		ordinal        int
		startMs, endMs int64
	)
	err := row.Scan(&ordinal, &season.BattlenetID, &season.Year, &season.Number, &startMs, &endMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ladder.Season{}, ErrNotFound
		}
		return ladder.Season{}, fmt.Errorf("scan season: %w", err)
	}
	season.Region = region.Region(ordinal)
	season.Start = time.UnixMilli(startMs)
	season.End = time.UnixMilli(endMs)
	return season, nil
}
