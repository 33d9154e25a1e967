package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aiseohq/aiseo/internal/domain"
)

// WebhooksRepo persists tenant webhook configurations. Secrets are stored as
// AES-GCM ciphertext; this repo never sees plaintext.
type WebhooksRepo struct{ Pool PgxPool }

// NewWebhooksRepo constructs a WebhooksRepo with the given pool.
func NewWebhooksRepo(p PgxPool) *WebhooksRepo { return &WebhooksRepo{Pool: p} }

// Create inserts a webhook and returns its id. The webhook.created
// announcement rides the same transaction through the outbox, so the row and
// the event either both exist or neither does.
func (r *WebhooksRepo) Create(ctx domain.Context, w domain.Webhook) (string, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Create")
	defer span.End()
	id := w.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=webhook.create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO webhooks (id, tenant_id, url, events, enabled, secret_ciphertext, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, q, id, w.TenantID, w.URL, w.Events, w.Enabled, w.SecretCiphertext, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=webhook.create: %w", err)
	}
	if err := EnqueueOutbox(ctx, tx, domain.EventWebhookCreated, map[string]any{
		"tenantId":  w.TenantID,
		"webhookId": id,
		"url":       w.URL,
		"events":    w.Events,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=webhook.create: commit: %w", err)
	}
	return id, nil
}

// ListEnabled loads the tenant's enabled webhooks. Callers run this on an
// RLS-bound session so cross-tenant rows are unreachable even on SQL bugs.
func (r *WebhooksRepo) ListEnabled(ctx domain.Context, tenantID string) ([]domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ListEnabled")
	defer span.End()
	q := `SELECT id, tenant_id, url, events, enabled, secret_ciphertext, created_at
	      FROM webhooks WHERE tenant_id=$1 AND enabled = true`
	rows, err := r.Pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.list_enabled: %w", err)
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &w.Events, &w.Enabled, &w.SecretCiphertext, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=webhook.list_enabled: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RotateSecret replaces the stored ciphertext; the tenant must match. The
// webhook.secret.rotated announcement goes through the outbox in the same
// transaction so old-secret consumers learn about the rotation even across a
// dispatcher outage.
func (r *WebhooksRepo) RotateSecret(ctx domain.Context, tenantID, id, secretCiphertext string) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.RotateSecret")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=webhook.rotate_secret: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx,
		`UPDATE webhooks SET secret_ciphertext=$3 WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, secretCiphertext)
	if err != nil {
		return fmt.Errorf("op=webhook.rotate_secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.rotate_secret: %w", domain.ErrNotFound)
	}
	if err := EnqueueOutbox(ctx, tx, domain.EventWebhookSecretRotated, map[string]any{
		"tenantId":  tenantID,
		"webhookId": id,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=webhook.rotate_secret: commit: %w", err)
	}
	return nil
}

// Delete removes a webhook; the tenant must match.
func (r *WebhooksRepo) Delete(ctx domain.Context, tenantID, id string) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM webhooks WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("op=webhook.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.delete: %w", domain.ErrNotFound)
	}
	return nil
}

var _ domain.WebhooksRepository = (*WebhooksRepo)(nil)

// DeliveriesRepo is the append-only webhook delivery log.
type DeliveriesRepo struct{ Pool PgxPool }

// NewDeliveriesRepo constructs a DeliveriesRepo with the given pool.
func NewDeliveriesRepo(p PgxPool) *DeliveriesRepo { return &DeliveriesRepo{Pool: p} }

// Append records one delivery attempt. Rows are never updated.
func (r *DeliveriesRepo) Append(ctx domain.Context, d domain.WebhookDelivery) error {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.Append")
	defer span.End()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO webhook_deliveries (id, tenant_id, webhook_id, event_type, event_seq, status_code, ok, error, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, d.TenantID, d.WebhookID, d.EventType, d.EventSeq, d.StatusCode, d.OK, d.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=delivery.append: %w", err)
	}
	return nil
}

var _ domain.DeliveriesRepository = (*DeliveriesRepo)(nil)
