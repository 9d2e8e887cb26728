package update

import (
	"context"
	"testing"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

func TestRotation_VisitsEverySubsetOnceThenWraps(t *testing.T) {
	ctx := context.Background()
	rot := NewRotation(storage.NewMemoryVarStore())

	n := rot.Len()
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		_, idx, err := rot.Next(ctx, region.EU)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seen[idx] {
			t.Fatalf("index %d visited twice within one cycle", idx)
		}
		seen[idx] = true
	}

	_, idx, err := rot.Next(ctx, region.EU)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if idx != 0 {
		t.Errorf("index after full cycle = %d, want 0 (wrap)", idx)
	}
}

func TestRotation_UnionEqualsFullCoverage(t *testing.T) {
	queues := make(map[ladder.QueueType]bool)
	leagues := make(map[ladder.LeagueType]bool)
	for _, s := range rotationQueue() {
		for _, q := range s.Queues {
			queues[q] = true
		}
		for _, l := range s.Leagues {
			leagues[l] = true
		}
	}

	for _, q := range ladder.Queues() {
		if !queues[q] {
			t.Errorf("queue %v not covered by any subset", q)
		}
	}
	for _, l := range ladder.LeagueTypes() {
		if !leagues[l] {
			t.Errorf("league %v not covered by any subset", l)
		}
	}
}

func TestRotation_IndexPersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()

	rot := NewRotation(store)
	for i := 0; i < 2; i++ {
		if _, _, err := rot.Next(ctx, region.KR); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	restarted := NewRotation(store)
	_, idx, err := restarted.Next(ctx, region.KR)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if idx != 2 {
		t.Errorf("index after restart = %d, want 2", idx)
	}
}

func TestRotation_RegionsRotateIndependently(t *testing.T) {
	ctx := context.Background()
	rot := NewRotation(storage.NewMemoryVarStore())

	if _, _, err := rot.Next(ctx, region.US); err != nil {
		t.Fatal(err)
	}
	_, idx, err := rot.Next(ctx, region.EU)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Errorf("EU index = %d, want 0 (unaffected by US rotation)", idx)
	}
}
