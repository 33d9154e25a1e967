package quota

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
)

func TestSyncOnce_MergesCountersPerTenantPeriod(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	ctx := context.Background()

	seed := map[string]string{
		"quota:t1:2026-08:api_calls":  "120",
		"quota:t1:2026-08:serp_jobs":  "40",
		"quota:t1:2026-08:crawl_jobs": "7",
		"quota:t1:2026-07:api_calls":  "999",
		"quota:t2:2026-08:serp_jobs":  "3",
		"not-a-quota-key":             "x",
	}
	for k, v := range seed {
		if err := rdb.Set(ctx, k, v, 0).Err(); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}

	usage := &fakeUsage{}
	if err := NewSyncer(rdb, usage).SyncOnce(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	byKey := map[string]domain.UsagePeriod{}
	for _, u := range usage.merged {
		byKey[u.TenantID+"|"+u.Period] = u
	}
	if len(byKey) != 3 {
		t.Fatalf("expected 3 merged rows, got %d: %+v", len(byKey), usage.merged)
	}

	cur := byKey["t1|2026-08"]
	if cur.APICalls != 120 || cur.SerpJobs != 40 || cur.CrawlJobs != 7 {
		t.Fatalf("t1 current period merged wrong: %+v", cur)
	}
	if prev := byKey["t1|2026-07"]; prev.APICalls != 999 {
		t.Fatalf("stale period must still sync: %+v", prev)
	}
	if other := byKey["t2|2026-08"]; other.SerpJobs != 3 {
		t.Fatalf("t2 merged wrong: %+v", other)
	}
}

func TestSyncOnce_EmptyScanIsNoop(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	usage := &fakeUsage{}
	if err := NewSyncer(rdb, usage).SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(usage.merged) != 0 {
		t.Fatalf("expected no merges, got %+v", usage.merged)
	}
}
