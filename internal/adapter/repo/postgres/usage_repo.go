package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/aiseohq/aiseo/internal/domain"
)

// UsageRepo is the durable counterpart of the Redis quota counters: one row
// per (tenant, period).
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// MergeMax upserts a usage row setting every counter to
// GREATEST(existing, incoming). Idempotent, so partial sweeps and concurrent
// dispatchers are safe.
func (r *UsageRepo) MergeMax(ctx domain.Context, u domain.UsagePeriod) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.MergeMax")
	defer span.End()
	q := `INSERT INTO tenant_usage (tenant_id, period, api_calls, serp_jobs, crawl_jobs)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (tenant_id, period) DO UPDATE SET
	        api_calls  = GREATEST(tenant_usage.api_calls,  EXCLUDED.api_calls),
	        serp_jobs  = GREATEST(tenant_usage.serp_jobs,  EXCLUDED.serp_jobs),
	        crawl_jobs = GREATEST(tenant_usage.crawl_jobs, EXCLUDED.crawl_jobs)`
	_, err := r.Pool.Exec(ctx, q, u.TenantID, u.Period, u.APICalls, u.SerpJobs, u.CrawlJobs)
	if err != nil {
		return fmt.Errorf("op=usage.merge_max: %w", err)
	}
	return nil
}

// Get loads the usage row for one tenant and period.
func (r *UsageRepo) Get(ctx domain.Context, tenantID, period string) (domain.UsagePeriod, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Get")
	defer span.End()
	q := `SELECT tenant_id, period, api_calls, serp_jobs, crawl_jobs, last_alert_at
	      FROM tenant_usage WHERE tenant_id=$1 AND period=$2`
	var u domain.UsagePeriod
	err := r.Pool.QueryRow(ctx, q, tenantID, period).
		Scan(&u.TenantID, &u.Period, &u.APICalls, &u.SerpJobs, &u.CrawlJobs, &u.LastAlertAt)
	if err != nil {
		return domain.UsagePeriod{}, fmt.Errorf("op=usage.get: %w", err)
	}
	return u, nil
}

// MarkAlerted advances last_alert_at only when minIntervalSeconds have
// elapsed since the previous alert. The conditional update returns zero rows
// inside the throttle window, which is how the at-most-once-per-hour alert
// guarantee is enforced under concurrency.
func (r *UsageRepo) MarkAlerted(ctx domain.Context, tenantID, period string, minIntervalSeconds int) (bool, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.MarkAlerted")
	defer span.End()
	q := `INSERT INTO tenant_usage (tenant_id, period, last_alert_at)
	      VALUES ($1,$2, now())
	      ON CONFLICT (tenant_id, period) DO UPDATE SET last_alert_at = now()
	      WHERE tenant_usage.last_alert_at IS NULL
	         OR tenant_usage.last_alert_at < now() - make_interval(secs => $3)`
	tag, err := r.Pool.Exec(ctx, q, tenantID, period, minIntervalSeconds)
	if err != nil {
		return false, fmt.Errorf("op=usage.mark_alerted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountKeywords counts keyword rows joined through projects so the count is
// scoped to the tenant even though keywords carry no tenant column.
func (r *UsageRepo) CountKeywords(ctx domain.Context, tenantID string) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.CountKeywords")
	defer span.End()
	q := `SELECT count(*) FROM keywords k JOIN projects p ON p.id = k.project_id WHERE p.tenant_id = $1`
	var n int64
	if err := r.Pool.QueryRow(ctx, q, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=usage.count_keywords: %w", err)
	}
	return n, nil
}

var _ domain.UsageRepository = (*UsageRepo)(nil)
