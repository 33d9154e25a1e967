package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/quota"
	"github.com/aiseohq/aiseo/internal/webhook"
)

// QuotaGuard meters one api_calls unit per authenticated request. A rejected
// increment short-circuits with the structured 429 body.
func (s *Server) QuotaGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims != nil && s.Quotas != nil {
				if _, err := s.Quotas.Increment(r.Context(), claims.TenantID, domain.QuotaAPICalls, 1); err != nil {
					writeError(w, r, err, nil)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type submitFlowRequest struct {
	FlowName string         `json:"flowName" validate:"required"`
	Input    map[string]any `json:"input"`
}

// SubmitFlowHandler expands and enqueues a workflow template for the caller's
// tenant. POST /v1/flows
func (s *Server) SubmitFlowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		var req submitFlowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		// The tenant binding always comes from the token, never the body.
		input["tenantId"] = claims.TenantID
		sub, err := s.Flows.Submit(r.Context(), req.FlowName, input)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, sub)
	}
}

// ListFlowsHandler returns the registered template names. GET /v1/flows
func (s *Server) ListFlowsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"flows": s.Flows.FlowNames()})
	}
}

type upsertScheduleRequest struct {
	ProjectID string         `json:"projectId"`
	FlowName  string         `json:"flowName" validate:"required"`
	Cron      string         `json:"cron" validate:"required"`
	Timezone  string         `json:"timezone"`
	Input     map[string]any `json:"input"`
	Enabled   bool           `json:"enabled"`
}

// UpsertScheduleHandler creates or replaces a schedule. PUT /v1/schedules/{id}
func (s *Server) UpsertScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		var req upsertScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		sched := domain.Schedule{
			ID:        chi.URLParam(r, "id"),
			TenantID:  claims.TenantID,
			ProjectID: req.ProjectID,
			FlowName:  req.FlowName,
			Cron:      req.Cron,
			Timezone:  req.Timezone,
			Input:     req.Input,
			Enabled:   req.Enabled,
		}
		if err := s.Scheduler.Upsert(r.Context(), sched); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": sched.ID, "enabled": sched.Enabled})
	}
}

// DeleteScheduleHandler removes a schedule and its cron registration.
// DELETE /v1/schedules/{id}
func (s *Server) DeleteScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		if err := s.Scheduler.Remove(r.Context(), claims.TenantID, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TriggerScheduleHandler submits a schedule's flow immediately.
// POST /v1/schedules/{id}/trigger
func (s *Server) TriggerScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		sub, err := s.Scheduler.TriggerNow(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, sub)
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events"`
}

// CreateWebhookHandler registers an event sink for the tenant. The plaintext
// signing secret is returned exactly once. POST /v1/webhooks
func (s *Server) CreateWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		var req createWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		if err := webhook.CheckURL(r.Context(), nil, req.URL); err != nil {
			writeError(w, r, err, nil)
			return
		}
		secret, err := webhook.NewSecret()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ciphertext, err := s.Secrets.Encrypt(secret)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var id string
		err = s.Tenants.WithTenant(r.Context(), session(claims), func(p postgres.PgxPool) error {
			var err error
			id, err = postgres.NewWebhooksRepo(p).Create(r.Context(), domain.Webhook{
				TenantID:         claims.TenantID,
				URL:              req.URL,
				Events:           req.Events,
				Enabled:          true,
				SecretCiphertext: ciphertext,
			})
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "secret": secret})
	}
}

// RotateWebhookSecretHandler replaces the signing secret and returns the new
// plaintext once. POST /v1/webhooks/{id}/rotate
func (s *Server) RotateWebhookSecretHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		id := chi.URLParam(r, "id")
		secret, err := webhook.NewSecret()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ciphertext, err := s.Secrets.Encrypt(secret)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		err = s.Tenants.WithTenant(r.Context(), session(claims), func(p postgres.PgxPool) error {
			return postgres.NewWebhooksRepo(p).RotateSecret(r.Context(), claims.TenantID, id, ciphertext)
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "secret": secret})
	}
}

// DeleteWebhookHandler removes a webhook. DELETE /v1/webhooks/{id}
func (s *Server) DeleteWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := requireAdmin(w, r)
		if claims == nil {
			return
		}
		err := s.Tenants.WithTenant(r.Context(), session(claims), func(p postgres.PgxPool) error {
			return postgres.NewWebhooksRepo(p).Delete(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// UsageHandler reports the live Redis counters and the durable row for the
// current (or requested) period. GET /v1/usage?period=YYYY-MM
func (s *Server) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		period := r.URL.Query().Get("period")
		if period == "" {
			period = quota.CurrentPeriod(time.Now())
		}
		// Live counters exist only for the current period; historical periods
		// come from the durable row alone.
		var live map[string]int64
		if period == quota.CurrentPeriod(time.Now()) {
			live = map[string]int64{}
			for _, kind := range []domain.QuotaKind{domain.QuotaAPICalls, domain.QuotaSerpJobs, domain.QuotaCrawlJobs} {
				n, err := s.Quotas.Current(r.Context(), claims.TenantID, kind)
				if err != nil {
					writeError(w, r, err, nil)
					return
				}
				live[string(kind)] = n
			}
		}
		durable, err := s.Usage.Get(r.Context(), claims.TenantID, period)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period": period,
			"live":   live,
			"durable": map[string]int64{
				"api_calls":  durable.APICalls,
				"serp_jobs":  durable.SerpJobs,
				"crawl_jobs": durable.CrawlJobs,
			},
		})
	}
}
