package api

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/health"
	"github.com/ladderstats/ingest/pkg/region"
	"github.com/ladderstats/ingest/pkg/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func setRate(t *testing.T, reg *health.Registry, r region.Region, class string, requests, errs int) {
	t.Helper()
	m := reg.Monitor(r, class)
	for i := 0; i < requests; i++ {
		m.AddRequest()
	}
	for i := 0; i < errs; i++ {
		m.AddError()
	}
	if _, err := m.Update(context.Background()); err != nil {
		t.Fatalf("health update: %v", err)
	}
}

func TestRetry_ThresholdIsStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	// 1000 requests, 400 errors: rate is exactly 40.0, which is not > 40.0.
	setRate(t, reg, region.EU, health.ClassAPI, 1000, 400)
	if got := client.Retry(region.EU, RetryDefault, false); got.Name != RetryDefault.Name {
		t.Errorf("policy at threshold = %q, want %q", got.Name, RetryDefault.Name)
	}

	setRate(t, reg, region.EU, health.ClassAPI, 1000, 401)
	if got := client.Retry(region.EU, RetryDefault, false); got.Name != RetryNever.Name {
		t.Errorf("policy above threshold = %q, want %q", got.Name, RetryNever.Name)
	}

	// Recovery restores the requested policy.
	setRate(t, reg, region.EU, health.ClassAPI, 1000, 10)
	if got := client.Retry(region.EU, RetryDefault, false); got.Name != RetryDefault.Name {
		t.Errorf("policy after recovery = %q, want %q", got.Name, RetryDefault.Name)
	}
}

func TestRetry_WebClassIsIndependent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	setRate(t, reg, region.KR, health.ClassWeb, 10, 9)
	if got := client.Retry(region.KR, RetryOnce, true); got.Name != RetryNever.Name {
		t.Errorf("web policy = %q, want %q", got.Name, RetryNever.Name)
	}
	if got := client.Retry(region.KR, RetryOnce, false); got.Name != RetryOnce.Name {
		t.Errorf("api policy = %q, want %q", got.Name, RetryOnce.Name)
	}
}

func TestForceRegion_EffectiveRegionAndPersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	if got := client.EffectiveRegion(region.CN); got != region.CN {
		t.Fatalf("EffectiveRegion without redirect = %v, want CN", got)
	}

	if err := client.SetForceRegion(ctx, region.CN, region.KR); err != nil {
		t.Fatalf("SetForceRegion: %v", err)
	}
	if got := client.EffectiveRegion(region.CN); got != region.KR {
		t.Errorf("EffectiveRegion = %v, want KR", got)
	}

	// A new client restores the redirect from the store.
	restarted := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())
	if got := restarted.EffectiveRegion(region.CN); got != region.KR {
		t.Errorf("restored EffectiveRegion = %v, want KR", got)
	}

	if err := client.ClearForceRegion(ctx, region.CN); err != nil {
		t.Fatalf("ClearForceRegion: %v", err)
	}
	if got := client.EffectiveRegion(region.CN); got != region.CN {
		t.Errorf("EffectiveRegion after clear = %v, want CN", got)
	}
}

func TestAutoForceRegion_ExpiresOldRedirect(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())

	// Persist a redirect set 8 days ago against a 7 day max age.
	if err := storage.SetInt64(ctx, store, storage.RegionVar(region.EU, storage.VarForceRegion), int64(region.US.Ordinal())); err != nil {
		t.Fatal(err)
	}
	if err := storage.SetTime(ctx, store, storage.RegionVar(region.EU, storage.VarForceRegionUpdated), time.Now().Add(-8*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())
	if got := client.EffectiveRegion(region.EU); got != region.US {
		t.Fatalf("redirect not restored, EffectiveRegion = %v", got)
	}

	if err := client.AutoForceRegion(ctx); err != nil {
		t.Fatalf("AutoForceRegion: %v", err)
	}
	if got := client.EffectiveRegion(region.EU); got != region.EU {
		t.Errorf("EffectiveRegion after expiry = %v, want EU", got)
	}
}

func TestAutoForceRegion_InstitutesRedirectForUnhealthyRegion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	// EU is unhealthy; KR is the least-erroring alternative.
	setRate(t, reg, region.EU, health.ClassAPI, 100, 90)
	setRate(t, reg, region.US, health.ClassAPI, 100, 20)
	setRate(t, reg, region.KR, health.ClassAPI, 100, 5)
	setRate(t, reg, region.CN, health.ClassAPI, 100, 30)

	if err := client.AutoForceRegion(ctx); err != nil {
		t.Fatalf("AutoForceRegion: %v", err)
	}
	if got := client.EffectiveRegion(region.EU); got != region.KR {
		t.Errorf("EffectiveRegion = %v, want KR (least-erroring healthy region)", got)
	}
}

func TestAutoForceRegion_FallsBackToStaticTable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	// Every region is over the threshold: the static table decides.
	for _, r := range region.All() {
		setRate(t, reg, r, health.ClassAPI, 100, 90)
	}

	if err := client.AutoForceRegion(ctx); err != nil {
		t.Fatalf("AutoForceRegion: %v", err)
	}
	if got := client.EffectiveRegion(region.CN); got != region.CN.DefaultRedirect() {
		t.Errorf("EffectiveRegion(CN) = %v, want static fallback %v", got, region.CN.DefaultRedirect())
	}
}

func TestSetTimeout_SwapsClientAtomically(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryVarStore()
	reg := health.NewRegistry(ctx, store, testLogger())
	client := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())

	before := client.HTTPClient(region.US)
	if err := client.SetTimeout(ctx, region.US, 3*time.Second); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	after := client.HTTPClient(region.US)

	if before == after {
		t.Error("HTTP client was not rebuilt on timeout change")
	}
	if after.Timeout != 3*time.Second {
		t.Errorf("new client timeout = %v, want 3s", after.Timeout)
	}

	// The change is persisted and survives a restart.
	restarted := NewRegionalClient(ctx, store, reg, DefaultConfig(), testLogger())
	if got := restarted.HTTPClient(region.US).Timeout; got != 3*time.Second {
		t.Errorf("restored timeout = %v, want 3s", got)
	}
}
