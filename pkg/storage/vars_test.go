package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/ladderstats/ingest/pkg/region"
)

func TestRegionVarKeys(t *testing.T) {
	if got := RegionVar(region.EU, VarForceRegion); got != "region.2.force_region" {
		t.Errorf("RegionVar = %q, want %q", got, "region.2.force_region")
	}
	if got := ClassVar(region.CN, "web", VarErrorRate); got != "region.4.web.error_rate" {
		t.Errorf("ClassVar = %q, want %q", got, "region.4.web.error_rate")
	}
}

func TestTypedHelpers(t *testing.T) {
	store := NewMemoryVarStore()
	ctx := context.Background()

	if _, err := GetInt64(ctx, store, "missing"); !errors.Is(err, ErrVarMissing) {
		t.Errorf("GetInt64 on unset key = %v, want ErrVarMissing", err)
	}

	if err := SetInt64(ctx, store, "idx", 11); err != nil {
		t.Fatalf("SetInt64: %v", err)
	}
	n, err := GetInt64(ctx, store, "idx")
	if err != nil || n != 11 {
		t.Errorf("GetInt64 = (%d, %v), want (11, nil)", n, err)
	}

	if err := SetBool(ctx, store, "flag", true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	b, err := GetBool(ctx, store, "flag")
	if err != nil || !b {
		t.Errorf("GetBool = (%v, %v), want (true, nil)", b, err)
	}

	// Garbage in the store surfaces as a parse error, not a zero value.
	if err := store.SetVar(ctx, "idx", "not-a-number"); err != nil {
		t.Fatalf("SetVar: %v", err)
	}
	if _, err := GetInt64(ctx, store, "idx"); err == nil {
		t.Error("GetInt64 on garbage value succeeded, want parse error")
	}
}
