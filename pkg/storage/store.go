package storage

import (
	"context"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
)

// LadderStore is the narrow persistence surface the ingestion core writes
// through. Every upsert is idempotent by natural id: re-submitting an
// identical payload must not change row count or identity.
type LadderStore interface {
	// UpsertSeason creates or refreshes a season by (region, battlenet id).
	UpsertSeason(ctx context.Context, s ladder.Season) error

	// UpsertDivision creates or refreshes a league, its tier, and its
	// division mapping in one call.
	UpsertDivision(ctx context.Context, r region.Region, d ladder.Division) error

	// UpsertTeams writes a batch of validated teams and their members,
	// returning the number of team rows written. Character rows are created
	// on first sighting and renamed on change.
	UpsertTeams(ctx context.Context, teams []ladder.Team) (int, error)

	// FindMaxLadderID returns the highest known upstream ladder id for the
	// region, or 0 when none is known.
	FindMaxLadderID(ctx context.Context, r region.Region, seasonID int) (int64, error)

	// FindSeason looks up a persisted season by battlenet id.
	FindSeason(ctx context.Context, r region.Region, battlenetID int) (ladder.Season, error)

	// FindLastSeason returns the most recently persisted season for the
	// region.
	FindLastSeason(ctx context.Context, r region.Region) (ladder.Season, error)
}

// EventSink receives the downstream notifications emitted once per full
// orchestration pass.
type EventSink interface {
	// LadderUpdated reports the season/queue/league coverage actually touched
	// this pass.
	LadderUpdated(ctx context.Context, c ladder.Coverage) error

	// CharacterActivity reports characters seen active this pass, in batches.
	CharacterActivity(ctx context.Context, chars []ladder.Character) error
}
