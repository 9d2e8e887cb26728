package update

import (
	"context"
	"errors"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

// Subset is one entry of the partial rotation: the queue and league slice of
// a season it covers. Team types are never split; every subset covers all
// team types valid for its queues.
type Subset struct {
	Queues  []ladder.QueueType
	Leagues []ladder.LeagueType
}

// rotationQueue is the fixed, ordered, circular queue of partial subsets.
// The union of all entries equals full coverage; 1v1 is split by league band
// because it dominates request volume, team queues ride along whole.
func rotationQueue() []Subset {
	return []Subset{
		{
			Queues:  []ladder.QueueType{ladder.Queue1v1},
			Leagues: []ladder.LeagueType{ladder.LeagueMaster, ladder.LeagueGrandmaster},
		},
		{
			Queues:  []ladder.QueueType{ladder.Queue1v1},
			Leagues: []ladder.LeagueType{ladder.LeaguePlatinum, ladder.LeagueDiamond},
		},
		{
			Queues:  []ladder.QueueType{ladder.Queue1v1},
			Leagues: []ladder.LeagueType{ladder.LeagueBronze, ladder.LeagueSilver, ladder.LeagueGold},
		},
		{
			Queues:  []ladder.QueueType{ladder.Queue2v2, ladder.QueueArchon},
			Leagues: ladder.LeagueTypes(),
		},
		{
			Queues:  []ladder.QueueType{ladder.Queue3v3, ladder.Queue4v4},
			Leagues: ladder.LeagueTypes(),
		},
	}
}

// Contains reports whether the subset covers the queue/league pair.
func (s Subset) Contains(q ladder.QueueType, l ladder.LeagueType) bool {
	queueOK := false
	for _, sq := range s.Queues {
		if sq == q {
			queueOK = true
			break
		}
	}
	if !queueOK {
		return false
	}
	for _, sl := range s.Leagues {
		if sl == l {
			return true
		}
	}
	return false
}

// fullSubset covers every queue and league in one entry.
func fullSubset() Subset {
	return Subset{
		Queues:  ladder.Queues(),
		Leagues: ladder.LeagueTypes(),
	}
}

// Rotation hands out partial subsets in circular order, persisting the
// per-region index so the rotation resumes across restarts.
type Rotation struct {
	store   storage.VarStore
	subsets []Subset
}

// NewRotation creates a rotation over the fixed subset queue.
func NewRotation(store storage.VarStore) *Rotation {
	return &Rotation{store: store, subsets: rotationQueue()}
}

// Len returns the rotation cycle length.
func (rot *Rotation) Len() int {
	return len(rot.subsets)
}

// Next returns the region's current subset and its index, then advances and
// persists the index immediately. Advancing before the subset is processed
// means a subset that keeps failing cannot stall the rotation.
func (rot *Rotation) Next(ctx context.Context, r region.Region) (Subset, int, error) {
	key := storage.RegionVar(r, storage.VarPartialUpdateIndex)

	idx, err := storage.GetInt64(ctx, rot.store, key)
	if err != nil {
		if !isMissing(err) {
			return Subset{}, 0, err
		}
		idx = 0
	}
	if idx < 0 || idx >= int64(len(rot.subsets)) {
		idx = 0
	}

	next := (idx + 1) % int64(len(rot.subsets))
	if err := storage.SetInt64(ctx, rot.store, key, next); err != nil {
		return Subset{}, 0, err
	}
	return rot.subsets[idx], int(idx), nil
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrVarMissing)
}
