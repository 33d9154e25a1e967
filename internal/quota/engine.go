// Package quota implements the two-layer quota subsystem: atomic
// increment-with-limit counters in Redis on the hot path, with a periodic
// flush into the durable tenant_usage rows.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
)

// counterTTL keeps stale period counters around long enough for the sync
// sweep to pick them up after a period rollover.
const counterTTL = 60 * 24 * time.Hour

// incrWithLimitScript implements increment-with-limit in a single round trip.
// Limit 0 means unlimited; delta 0 is a no-op returning the current value.
// KEYS[1] = counter key; ARGV[1] = delta, ARGV[2] = limit, ARGV[3] = ttl (s)
var incrWithLimitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if delta == 0 then
  return {1, current}
end
local next = current + delta
if limit > 0 and next > limit then
  return {0, current}
end
redis.call("SET", KEYS[1], next, "EX", tonumber(ARGV[3]))
return {1, next}
`)

// reserveUpToScript grants min(requested, remaining) in one round trip, for
// callers that can truncate their work (per-keyword job fan-out).
// KEYS[1] = counter key; ARGV[1] = requested, ARGV[2] = limit, ARGV[3] = ttl (s)
var reserveUpToScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local requested = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local granted = requested
if limit > 0 then
  local remaining = limit - current
  if remaining < 0 then remaining = 0 end
  if granted > remaining then granted = remaining end
end
if granted > 0 then
  redis.call("SET", KEYS[1], current + granted, "EX", tonumber(ARGV[3]))
end
return {granted, current}
`)

// LimitResolver returns the effective monthly limit for a tenant and kind,
// including tenant-level overrides. Limit 0 means unlimited.
type LimitResolver func(ctx context.Context, tenantID string, kind domain.QuotaKind) (int64, error)

// PlanLimitResolver resolves limits from a static tenant → plan lookup.
func PlanLimitResolver(planOf func(ctx context.Context, tenantID string) (domain.Plan, error)) LimitResolver {
	return func(ctx context.Context, tenantID string, kind domain.QuotaKind) (int64, error) {
		plan, err := planOf(ctx, tenantID)
		if err != nil {
			return 0, err
		}
		return domain.LimitsFor(plan).Limit(kind), nil
	}
}

// Engine is the quota hot path. Increments fail open when Redis is
// unreachable: we prefer availability over strict caps under infrastructure
// failure, and the durable counter catches up on the next sync.
type Engine struct {
	rdb     *redis.Client
	usage   domain.UsageRepository
	bus     domain.EventBus
	resolve LimitResolver
}

// NewEngine constructs the quota engine. bus may be nil when the caller does
// not want quota.exceeded alerts (CLI tools).
func NewEngine(rdb *redis.Client, usage domain.UsageRepository, bus domain.EventBus, resolve LimitResolver) *Engine {
	return &Engine{rdb: rdb, usage: usage, bus: bus, resolve: resolve}
}

// Key returns the Redis counter key for a tenant, period, and kind.
func Key(tenantID, period string, kind domain.QuotaKind) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, period, kind)
}

// CurrentPeriod is the YYYY-MM period computed in UTC.
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// Increment atomically adds delta to the tenant's counter, rejecting with a
// structured *domain.QuotaError when the limit would be exceeded.
func (e *Engine) Increment(ctx context.Context, tenantID string, kind domain.QuotaKind, delta int64) (int64, error) {
	limit, err := e.resolve(ctx, tenantID, kind)
	if err != nil {
		return 0, fmt.Errorf("op=quota.Increment: resolve limit: %w", err)
	}
	period := CurrentPeriod(time.Now())
	key := Key(tenantID, period, kind)

	res, err := incrWithLimitScript.Run(ctx, e.rdb, []string{key}, delta, limit, int(counterTTL.Seconds())).Result()
	if err != nil {
		// Fail open: increments report ok with current=0 and a warning; the
		// durable counter catches up on the next sync.
		slog.Warn("quota increment failing open: redis unreachable",
			slog.String("tenant_id", tenantID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return 0, nil
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, fmt.Errorf("op=quota.Increment: unexpected script result %v", res)
	}
	allowed := toInt64(vals[0]) == 1
	current := toInt64(vals[1])
	if !allowed {
		observability.QuotaDenials.WithLabelValues(string(kind)).Inc()
		qerr := &domain.QuotaError{Kind: kind, Period: period, Limit: limit, Current: current, Requested: delta}
		e.alert(ctx, tenantID, qerr)
		return current, qerr
	}
	return current, nil
}

// ReserveUpTo grants min(requested, remaining) increments for callers that
// can truncate their fan-out. When granted < requested a quota.exceeded alert
// fires with the full structured context.
func (e *Engine) ReserveUpTo(ctx context.Context, tenantID string, kind domain.QuotaKind, requested int64) (granted int64, err error) {
	if requested <= 0 {
		return 0, nil
	}
	limit, err := e.resolve(ctx, tenantID, kind)
	if err != nil {
		return 0, fmt.Errorf("op=quota.ReserveUpTo: resolve limit: %w", err)
	}
	period := CurrentPeriod(time.Now())
	key := Key(tenantID, period, kind)

	res, err := reserveUpToScript.Run(ctx, e.rdb, []string{key}, requested, limit, int(counterTTL.Seconds())).Result()
	if err != nil {
		slog.Warn("quota reservation failing open: redis unreachable",
			slog.String("tenant_id", tenantID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return requested, nil
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, fmt.Errorf("op=quota.ReserveUpTo: unexpected script result %v", res)
	}
	granted = toInt64(vals[0])
	current := toInt64(vals[1])
	if granted < requested {
		observability.QuotaDenials.WithLabelValues(string(kind)).Inc()
		e.alert(ctx, tenantID, &domain.QuotaError{
			Kind: kind, Period: period, Limit: limit, Current: current, Requested: requested,
		})
	}
	return granted, nil
}

// Current reads the counter without modifying it.
func (e *Engine) Current(ctx context.Context, tenantID string, kind domain.QuotaKind) (int64, error) {
	val, err := e.rdb.Get(ctx, Key(tenantID, CurrentPeriod(time.Now()), kind)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=quota.Current: %w", err)
	}
	return val, nil
}

// CheckKeywordQuota enforces the keyword-count quota by counting durable rows
// (no Redis mirror). It returns how many of the requested keywords may be
// inserted, truncated to the remaining headroom.
func (e *Engine) CheckKeywordQuota(ctx context.Context, tenantID string, maxKeywords, requested int64) (int64, error) {
	if maxKeywords <= 0 {
		return requested, nil
	}
	count, err := e.usage.CountKeywords(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("op=quota.CheckKeywordQuota: %w", err)
	}
	remaining := maxKeywords - count
	if remaining <= 0 {
		return 0, &domain.QuotaError{
			Kind: "keywords", Period: CurrentPeriod(time.Now()),
			Limit: maxKeywords, Current: count, Requested: requested,
		}
	}
	if requested > remaining {
		return remaining, nil
	}
	return requested, nil
}

// alert emits quota.exceeded at most once per tenant per hour; the durable
// last_alert_at conditional update does the throttling.
func (e *Engine) alert(ctx context.Context, tenantID string, qerr *domain.QuotaError) {
	if e.bus == nil || e.usage == nil {
		return
	}
	fired, err := e.usage.MarkAlerted(ctx, tenantID, qerr.Period, 3600)
	if err != nil {
		slog.Warn("quota alert throttle check failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return
	}
	if !fired {
		return
	}
	if _, err := e.bus.Publish(ctx, tenantID, "", domain.EventQuotaExceeded, map[string]any{
		"kind":      string(qerr.Kind),
		"period":    qerr.Period,
		"limit":     qerr.Limit,
		"current":   qerr.Current,
		"requested": qerr.Requested,
	}); err != nil {
		slog.Warn("quota alert publish failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}

// ParseKey splits a quota:<tenant>:<period>:<kind> key. Tenant ids containing
// colons are tolerated by anchoring period and kind from the right.
func ParseKey(key string) (tenantID, period string, kind domain.QuotaKind, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[0] != "quota" {
		return "", "", "", false
	}
	kind = domain.QuotaKind(parts[len(parts)-1])
	period = parts[len(parts)-2]
	tenantID = strings.Join(parts[1:len(parts)-2], ":")
	return tenantID, period, kind, tenantID != ""
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
