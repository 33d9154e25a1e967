package domain

// Stable event type set. New types may be added; consumers must tolerate
// unknown types and unknown payload fields.
const (
	EventAgentTaskStarted   = "agent.task.started"
	EventAgentTaskCompleted = "agent.task.completed"
	EventAgentTaskFailed    = "agent.task.failed"
	EventApprovalRequested  = "approval.requested"
	EventReportReady        = "report.ready"
	EventOutboxDispatched   = "outbox.dispatched"
	EventSerpRankAnomaly    = "serp.rank.anomaly"
	EventPagespeedCritical  = "pagespeed.alert.critical"
	EventQuotaExceeded      = "quota.exceeded"
	EventFlowStarted        = "flow.started"
	EventSystemTest         = "system.test"

	EventWebhookCreated       = "webhook.created"
	EventWebhookSecretRotated = "webhook.secret.rotated"
)

// Event is the record published on channel events.<tenantId>. Seq is monotone
// per tenant; gaps are possible when a process dies between the counter
// increment and the publish.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	TenantID  string         `json:"tenantId"`
	ProjectID string         `json:"projectId,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// EventBus publishes per-tenant ordered events and fans them out to
// subscribers. Each subscription owns a dedicated subscriber connection;
// Stop unsubscribes and disconnects it.
type EventBus interface {
	Publish(ctx Context, tenantID, projectID, eventType string, payload map[string]any) (Event, error)
	Subscribe(ctx Context, tenantID string, cb func(Event)) (Subscription, error)
	SubscribeAll(ctx Context, cb func(Event)) (Subscription, error)
}

// Subscription is a live event bus subscription.
type Subscription interface {
	Stop() error
}
