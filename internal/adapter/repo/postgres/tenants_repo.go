package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aiseohq/aiseo/internal/domain"
)

// TenantsRepo reads tenant records. The tenants table is not RLS-scoped: the
// quota engine resolves plans for arbitrary tenants on the hot path.
type TenantsRepo struct{ Pool PgxPool }

// NewTenantsRepo constructs a TenantsRepo with the given pool.
func NewTenantsRepo(p PgxPool) *TenantsRepo { return &TenantsRepo{Pool: p} }

// PlanOf returns the tenant's subscription plan. Unknown tenants get the
// starter plan rather than an error; quota enforcement should never be looser
// for an unprovisioned tenant.
func (r *TenantsRepo) PlanOf(ctx domain.Context, tenantID string) (domain.Plan, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.PlanOf")
	defer span.End()
	var plan string
	err := r.Pool.QueryRow(ctx, `SELECT plan FROM tenants WHERE id=$1`, tenantID).Scan(&plan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PlanStarter, nil
		}
		return "", fmt.Errorf("op=tenants.plan_of: %w", err)
	}
	return domain.Plan(plan), nil
}

// Get loads one tenant.
func (r *TenantsRepo) Get(ctx domain.Context, tenantID string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Get")
	defer span.End()
	var t domain.Tenant
	var plan string
	err := r.Pool.QueryRow(ctx, `SELECT id, plan FROM tenants WHERE id=$1`, tenantID).Scan(&t.ID, &plan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tenant{}, fmt.Errorf("op=tenants.get: %w", domain.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("op=tenants.get: %w", err)
	}
	t.Plan = domain.Plan(plan)
	return t, nil
}
