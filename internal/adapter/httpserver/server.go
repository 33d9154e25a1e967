package httpserver

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/config"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/orchestrator"
	"github.com/aiseohq/aiseo/internal/quota"
	"github.com/aiseohq/aiseo/internal/scheduler"
	"github.com/aiseohq/aiseo/internal/webhook"
)

// Server aggregates the handler dependencies.
type Server struct {
	Cfg       config.Config
	Flows     *orchestrator.Orchestrator
	Scheduler *scheduler.Scheduler
	Tenants   *postgres.TenantPool
	Secrets   *webhook.SecretBox
	Quotas    *quota.Engine
	Usage     domain.UsageRepository

	// Rdb and Pool back the readiness probe.
	Rdb  *redis.Client
	Pool *pgxpool.Pool

	validate *validator.Validate
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, flows *orchestrator.Orchestrator, sched *scheduler.Scheduler, tenants *postgres.TenantPool, secrets *webhook.SecretBox, quotas *quota.Engine, usage domain.UsageRepository, rdb *redis.Client, pool *pgxpool.Pool) *Server {
	return &Server{
		Cfg:       cfg,
		Flows:     flows,
		Scheduler: sched,
		Tenants:   tenants,
		Secrets:   secrets,
		Quotas:    quotas,
		Usage:     usage,
		Rdb:       rdb,
		Pool:      pool,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ReadyzHandler reports readiness: Redis and Postgres must answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.Rdb.Ping(ctx).Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
			return
		}
		if err := s.Pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// session builds the RLS session for the authenticated caller.
func session(c *AuthClaims) postgres.TenantSession {
	return postgres.TenantSession{
		TenantID: c.TenantID,
		UserID:   c.Subject,
		Role:     c.Role,
	}
}
