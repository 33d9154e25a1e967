package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
)

// Syncer periodically sweeps quota:* keys into the durable tenant_usage rows.
// Updates are idempotent max-merges, so partial sweeps are safe. A process-
// local running flag suppresses concurrent runs within one process.
type Syncer struct {
	rdb     *redis.Client
	usage   domain.UsageRepository
	running atomic.Bool
}

// NewSyncer constructs a Syncer.
func NewSyncer(rdb *redis.Client, usage domain.UsageRepository) *Syncer {
	return &Syncer{rdb: rdb, usage: usage}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.SyncOnce(ctx); err != nil {
		slog.Error("quota sync failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("quota syncer stopping")
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				slog.Error("quota sync failed", slog.Any("error", err))
			}
		}
	}
}

// SyncOnce scans all quota counters and upserts each into its tenant_usage
// row with GREATEST(existing, redis).
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("quota sync already running, skipping")
		return nil
	}
	defer s.running.Store(false)

	// One UsagePeriod per (tenant, period); counters merged across kinds.
	merged := map[string]*domain.UsagePeriod{}

	iter := s.rdb.Scan(ctx, 0, "quota:*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		tenantID, period, kind, ok := ParseKey(key)
		if !ok {
			continue
		}
		val, err := s.rdb.Get(ctx, key).Int64()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return fmt.Errorf("op=quota.SyncOnce: read %s: %w", key, err)
		}
		mk := tenantID + "|" + period
		u, found := merged[mk]
		if !found {
			u = &domain.UsagePeriod{TenantID: tenantID, Period: period}
			merged[mk] = u
		}
		switch kind {
		case domain.QuotaAPICalls:
			u.APICalls = val
		case domain.QuotaSerpJobs:
			u.SerpJobs = val
		case domain.QuotaCrawlJobs:
			u.CrawlJobs = val
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("op=quota.SyncOnce: scan: %w", err)
	}

	synced := 0
	for _, u := range merged {
		if err := s.usage.MergeMax(ctx, *u); err != nil {
			slog.Error("quota sync upsert failed",
				slog.String("tenant_id", u.TenantID),
				slog.String("period", u.Period),
				slog.Any("error", err))
			continue
		}
		synced++
	}
	slog.Info("quota sync complete", slog.Int("rows", synced))
	return nil
}
