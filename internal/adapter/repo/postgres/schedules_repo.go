package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aiseohq/aiseo/internal/domain"
)

// SchedulesRepo persists recurring flow schedules.
type SchedulesRepo struct{ Pool PgxPool }

// NewSchedulesRepo constructs a SchedulesRepo with the given pool.
func NewSchedulesRepo(p PgxPool) *SchedulesRepo { return &SchedulesRepo{Pool: p} }

// Upsert inserts or updates a schedule keyed by (tenant_id, id). The tenant
// id on an existing row never changes; RLS rejects cross-tenant writes.
func (r *SchedulesRepo) Upsert(ctx domain.Context, s domain.Schedule) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Upsert")
	defer span.End()
	if s.TenantID == "" || s.Cron == "" || s.FlowName == "" {
		return fmt.Errorf("op=schedule.upsert: %w: tenant, cron and flow required", domain.ErrInvalidArgument)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	input, err := json.Marshal(s.Input)
	if err != nil {
		return fmt.Errorf("op=schedule.upsert: marshal input: %w", err)
	}
	q := `INSERT INTO schedules (id, tenant_id, project_id, flow_name, cron, timezone, input, enabled, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	      ON CONFLICT (tenant_id, id) DO UPDATE SET
	        project_id = EXCLUDED.project_id,
	        flow_name  = EXCLUDED.flow_name,
	        cron       = EXCLUDED.cron,
	        timezone   = EXCLUDED.timezone,
	        input      = EXCLUDED.input,
	        enabled    = EXCLUDED.enabled,
	        updated_at = EXCLUDED.updated_at`
	_, err = r.Pool.Exec(ctx, q, s.ID, s.TenantID, s.ProjectID, s.FlowName, s.Cron, s.Timezone, input, s.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=schedule.upsert: %w", err)
	}
	return nil
}

// Get loads one schedule; mutations elsewhere require the tenant to match.
func (r *SchedulesRepo) Get(ctx domain.Context, tenantID, id string) (domain.Schedule, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Get")
	defer span.End()
	q := `SELECT id, tenant_id, project_id, flow_name, cron, timezone, input, enabled, created_at, updated_at
	      FROM schedules WHERE tenant_id=$1 AND id=$2`
	row := r.Pool.QueryRow(ctx, q, tenantID, id)
	s, err := scanSchedule(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Schedule{}, fmt.Errorf("op=schedule.get: %w", domain.ErrNotFound)
		}
		return domain.Schedule{}, fmt.Errorf("op=schedule.get: %w", err)
	}
	return s, nil
}

// Delete removes a schedule; the tenant must match.
func (r *SchedulesRepo) Delete(ctx domain.Context, tenantID, id string) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM schedules WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("op=schedule.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=schedule.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListEnabled returns all enabled schedules across tenants. Used only at
// startup by the cron scheduler, on an admin (RLS-bypassing) session.
func (r *SchedulesRepo) ListEnabled(ctx domain.Context) ([]domain.Schedule, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.ListEnabled")
	defer span.End()
	q := `SELECT id, tenant_id, project_id, flow_name, cron, timezone, input, enabled, created_at, updated_at
	      FROM schedules WHERE enabled = true ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.list_enabled: %w", err)
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("op=schedule.list_enabled: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSchedule(row pgx.Row) (domain.Schedule, error) {
	var s domain.Schedule
	var input []byte
	if err := row.Scan(&s.ID, &s.TenantID, &s.ProjectID, &s.FlowName, &s.Cron, &s.Timezone, &input, &s.Enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &s.Input)
	}
	return s, nil
}

var _ domain.SchedulesRepository = (*SchedulesRepo)(nil)
