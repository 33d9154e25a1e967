package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
)

// Worker consumes every event via subscribeAll and delivers it to the
// publishing tenant's enabled webhooks. Delivery is best-effort: one attempt
// per event reception, every outcome appended to the delivery log.
type Worker struct {
	bus        domain.EventBus
	tenants    *postgres.TenantPool
	deliveries domain.DeliveriesRepository
	secrets    *SecretBox
	client     *http.Client
	resolver   Resolver

	sub domain.Subscription
}

// NewWorker constructs the delivery worker. timeout bounds each outbound
// request.
func NewWorker(bus domain.EventBus, tenants *postgres.TenantPool, deliveries domain.DeliveriesRepository, secrets *SecretBox, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Worker{
		bus:        bus,
		tenants:    tenants,
		deliveries: deliveries,
		secrets:    secrets,
		client:     &http.Client{Timeout: timeout},
	}
}

// Start opens the pattern subscription. Events are handled sequentially per
// reception; the bus pump is not blocked longer than one tenant's fan-out.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.bus.SubscribeAll(ctx, func(ev domain.Event) {
		w.handle(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("op=webhook.Start: %w", err)
	}
	w.sub = sub
	slog.Info("webhook delivery worker started")
	return nil
}

// Stop closes the subscription.
func (w *Worker) Stop() error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Stop()
}

func (w *Worker) handle(ctx context.Context, ev domain.Event) {
	if ev.TenantID == "" {
		return
	}
	hooks, err := w.loadHooks(ctx, ev.TenantID)
	if err != nil {
		slog.Error("webhook load failed",
			slog.String("tenant_id", ev.TenantID),
			slog.Any("error", err))
		return
	}
	for _, h := range hooks {
		if !h.WantsEvent(ev.Type) {
			continue
		}
		w.deliver(ctx, h, ev)
	}
}

// loadHooks reads the tenant's enabled webhooks inside an RLS-bound session.
func (w *Worker) loadHooks(ctx context.Context, tenantID string) ([]domain.Webhook, error) {
	var hooks []domain.Webhook
	err := w.tenants.WithTenant(ctx, postgres.TenantSession{TenantID: tenantID}, func(p postgres.PgxPool) error {
		var err error
		hooks, err = postgres.NewWebhooksRepo(p).ListEnabled(ctx, tenantID)
		return err
	})
	return hooks, err
}

func (w *Worker) deliver(ctx context.Context, h domain.Webhook, ev domain.Event) {
	rec := domain.WebhookDelivery{
		TenantID:  ev.TenantID,
		WebhookID: h.ID,
		EventType: ev.Type,
		EventSeq:  ev.Seq,
	}

	statusCode, err := w.send(ctx, h, ev)
	rec.StatusCode = statusCode
	if err != nil {
		rec.OK = false
		rec.Error = truncate(err.Error(), 1024)
		observability.WebhookDeliveries.WithLabelValues("error").Inc()
		slog.Warn("webhook delivery failed",
			slog.String("tenant_id", ev.TenantID),
			slog.String("webhook_id", h.ID),
			slog.String("event_type", ev.Type),
			slog.Any("error", err))
	} else {
		rec.OK = statusCode >= 200 && statusCode < 300
		if !rec.OK {
			rec.Error = fmt.Sprintf("non-2xx status %d", statusCode)
		}
		observability.WebhookDeliveries.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	}

	if err := w.deliveries.Append(ctx, rec); err != nil {
		slog.Error("delivery log append failed",
			slog.String("webhook_id", h.ID),
			slog.Any("error", err))
	}
}

// wirePayload is the delivery body contract. The ts value is the same
// millisecond timestamp carried in X-AISEO-Timestamp, so the signed body and
// the header always agree.
type wirePayload struct {
	TenantID  string         `json:"tenantId"`
	ProjectID string         `json:"projectId,omitempty"`
	Type      string         `json:"type"`
	Seq       int64          `json:"seq"`
	TS        int64          `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

// send performs the single signed POST. statusCode is 0 when the request
// never produced a response.
func (w *Worker) send(ctx context.Context, h domain.Webhook, ev domain.Event) (int, error) {
	if err := CheckURL(ctx, w.resolver, h.URL); err != nil {
		return 0, err
	}
	secret, err := w.secrets.Decrypt(h.SecretCiphertext)
	if err != nil {
		return 0, fmt.Errorf("op=webhook.send: decrypt secret: %w", err)
	}
	tsMs := time.Now().UnixMilli()
	body, err := json.Marshal(wirePayload{
		TenantID:  ev.TenantID,
		ProjectID: ev.ProjectID,
		Type:      ev.Type,
		Seq:       ev.Seq,
		TS:        tsMs,
		Payload:   ev.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("op=webhook.send: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("op=webhook.send: %w", err)
	}
	ts := strconv.FormatInt(tsMs, 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("op=webhook.send: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
