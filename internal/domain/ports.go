package domain

// Repositories (ports)

// SchedulesRepository persists recurring flow schedules.
type SchedulesRepository interface {
	Upsert(ctx Context, s Schedule) error
	Get(ctx Context, tenantID, id string) (Schedule, error)
	Delete(ctx Context, tenantID, id string) error
	ListEnabled(ctx Context) ([]Schedule, error)
}

// WebhooksRepository persists tenant webhook configurations.
type WebhooksRepository interface {
	Create(ctx Context, w Webhook) (string, error)
	ListEnabled(ctx Context, tenantID string) ([]Webhook, error)
	RotateSecret(ctx Context, tenantID, id, secretCiphertext string) error
	Delete(ctx Context, tenantID, id string) error
}

// DeliveriesRepository is the append-only webhook delivery log.
type DeliveriesRepository interface {
	Append(ctx Context, d WebhookDelivery) error
}

// UsageRepository is the durable counterpart of the Redis quota counters.
type UsageRepository interface {
	// MergeMax upserts the (tenant, period) row setting each counter to
	// GREATEST(existing, value). Idempotent; safe under partial sweeps.
	MergeMax(ctx Context, u UsagePeriod) error
	Get(ctx Context, tenantID, period string) (UsagePeriod, error)
	// MarkAlerted updates last_alert_at only when at least minInterval has
	// elapsed; returns false when the row was throttled.
	MarkAlerted(ctx Context, tenantID, period string, minIntervalSeconds int) (bool, error)
	// CountKeywords counts keyword rows joined through projects for a tenant.
	CountKeywords(ctx Context, tenantID string) (int64, error)
}
