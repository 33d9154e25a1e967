// Package domain holds the core entities, error taxonomy, and ports of the
// orchestration substrate. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrTenantMismatch  = errors.New("tenant mismatch")
	ErrAgentNotFound   = errors.New("agent not registered")
	ErrDepthExceeded   = errors.New("subagent depth exceeded")
	ErrUnsafeURL       = errors.New("unsafe url")
	ErrInternal        = errors.New("internal error")
)

// QuotaError carries the structured quota rejection surfaced to callers.
// The HTTP layer maps it to status 429.
type QuotaError struct {
	Kind      QuotaKind
	Period    string
	Limit     int64
	Current   int64
	Requested int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: kind=%s period=%s limit=%d current=%d requested=%d",
		e.Kind, e.Period, e.Limit, e.Current, e.Requested)
}

// Unwrap makes errors.Is(err, ErrQuotaExceeded) hold for every QuotaError.
func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Plan identifies a tenant's subscription tier.
type Plan string

// Subscription tiers.
const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// QuotaKind enumerates the metered counters. Keywords are metered by durable
// row count rather than a Redis mirror.
type QuotaKind string

// Metered counter kinds.
const (
	QuotaAPICalls  QuotaKind = "api_calls"
	QuotaSerpJobs  QuotaKind = "serp_jobs"
	QuotaCrawlJobs QuotaKind = "crawl_jobs"
)

// PlanLimits holds the monthly caps for a plan. Zero means unlimited.
type PlanLimits struct {
	APICallsPerMonth  int64
	SerpJobsPerMonth  int64
	CrawlJobsPerMonth int64
	MaxKeywords       int64
}

// LimitsFor returns the default monthly limits for a plan. Tenant-level
// overrides are applied on top by the quota engine.
func LimitsFor(p Plan) PlanLimits {
	switch p {
	case PlanPro:
		return PlanLimits{APICallsPerMonth: 100000, SerpJobsPerMonth: 25000, CrawlJobsPerMonth: 5000, MaxKeywords: 2000}
	case PlanTeam:
		return PlanLimits{APICallsPerMonth: 500000, SerpJobsPerMonth: 100000, CrawlJobsPerMonth: 20000, MaxKeywords: 10000}
	case PlanEnterprise:
		return PlanLimits{} // unlimited
	default: // starter
		return PlanLimits{APICallsPerMonth: 20000, SerpJobsPerMonth: 5000, CrawlJobsPerMonth: 1000, MaxKeywords: 500}
	}
}

// Limit returns the cap for a single kind.
func (l PlanLimits) Limit(kind QuotaKind) int64 {
	switch kind {
	case QuotaAPICalls:
		return l.APICallsPerMonth
	case QuotaSerpJobs:
		return l.SerpJobsPerMonth
	case QuotaCrawlJobs:
		return l.CrawlJobsPerMonth
	default:
		return 0
	}
}

// Tenant owns every other entity. Cross-tenant reads and writes are forbidden
// and enforced at the database via row-level security.
type Tenant struct {
	ID       string
	Plan     Plan
	Settings map[string]string
}

// Project belongs to exactly one tenant. TenantID is immutable after creation.
type Project struct {
	ID        string
	TenantID  string
	Name      string
	CreatedAt time.Time
}

// Schedule materialises a recurring flow. (TenantID, ID) is unique.
type Schedule struct {
	ID        string
	TenantID  string
	ProjectID string
	FlowName  string
	Cron      string
	Timezone  string
	Input     map[string]any
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Webhook is a tenant-configured HTTP event sink. The signing secret is
// stored encrypted with AES-256-GCM; the plaintext is handed out only at
// creation or rotation.
type Webhook struct {
	ID               string
	TenantID         string
	URL              string
	Events           []string // empty = deliver all event types
	Enabled          bool
	SecretCiphertext string
	CreatedAt        time.Time
}

// WantsEvent reports whether the webhook's event filter matches eventType.
func (w Webhook) WantsEvent(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, t := range w.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery is one row of the append-only delivery log.
type WebhookDelivery struct {
	ID         string
	TenantID   string
	WebhookID  string
	EventType  string
	EventSeq   int64
	StatusCode int
	OK         bool
	Error      string
	CreatedAt  time.Time
}

// OutboxRow is a durable pending event. The monotone ID gives FIFO per
// producer; rows stop being retried once RetryCount reaches 3.
type OutboxRow struct {
	ID           int64
	EventType    string
	Payload      []byte
	Dispatched   bool
	DispatchedAt *time.Time
	RetryCount   int
	LastError    string
	CreatedAt    time.Time
}

// UsagePeriod is the durable counterpart of the Redis quota counters: one row
// per (tenant, period) aggregating all kinds plus the alert throttle stamp.
type UsagePeriod struct {
	TenantID    string
	Period      string // YYYY-MM in UTC
	APICalls    int64
	SerpJobs    int64
	CrawlJobs   int64
	LastAlertAt *time.Time
}

// Context is an alias so adapters and services pass context.Context through
// without the domain importing adapter concerns.
type Context = context.Context
