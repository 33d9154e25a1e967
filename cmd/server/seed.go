package main

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/domain"
)

// seedDefaultTenant provisions the DEFAULT_TENANT_ID tenant with a starter
// plan and one demo project. Dev-only convenience; both inserts are
// idempotent so repeated startups are harmless.
func seedDefaultTenant(ctx domain.Context, pool postgres.PgxPool, tenantID string) error {
	if tenantID == "" {
		return nil
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO tenants (id, plan) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		tenantID, string(domain.PlanStarter)); err != nil {
		return fmt.Errorf("op=seed.tenant: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO projects (id, tenant_id, name)
		 SELECT $1, $2, 'demo'
		 WHERE NOT EXISTS (SELECT 1 FROM projects WHERE tenant_id = $2 AND name = 'demo')`,
		uuid.New().String(), tenantID); err != nil {
		return fmt.Errorf("op=seed.project: %w", err)
	}
	return nil
}
