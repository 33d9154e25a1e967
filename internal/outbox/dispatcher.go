// Package outbox drains the durable events_outbox table and republishes rows
// to their handlers. SELECT ... FOR UPDATE SKIP LOCKED makes horizontal
// scaling safe: concurrent dispatchers never pick the same row, and a single
// COMMIT per batch bounds visibility lag.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
)

// maxRetries is the terminal retry_count; rows at or past it are left for
// operator inspection.
const maxRetries = 3

// Handler processes one outbox row's payload. A returned error increments
// retry_count; success marks the row dispatched.
type Handler func(ctx context.Context, eventType string, payload map[string]any) error

// Dispatcher polls events_outbox and routes rows to registered handlers.
type Dispatcher struct {
	pool     postgres.PgxPool
	handlers map[string]Handler
	fallback Handler
	interval time.Duration
	batch    int
}

// New constructs a Dispatcher. fallback handles any event type without a
// registered handler; the standard fallback republishes to the event bus.
func New(pool postgres.PgxPool, fallback Handler, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		pool:     pool,
		handlers: map[string]Handler{},
		fallback: fallback,
		interval: interval,
		batch:    batch,
	}
}

// Register installs a handler for one event type. Not safe to call after Run.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.handlers[eventType] = h
}

// BusFallback builds the standard fallback handler: republish the row to the
// event bus and emit outbox.dispatched. Transient publish errors are retried
// briefly within the dispatch attempt before counting against retry_count.
func BusFallback(bus domain.EventBus) Handler {
	return func(ctx context.Context, eventType string, payload map[string]any) error {
		tenantID, _ := payload["tenantId"].(string)
		if tenantID == "" {
			return fmt.Errorf("outbox row missing tenantId")
		}
		projectID, _ := payload["projectId"].(string)
		op := func() error {
			_, err := bus.Publish(ctx, tenantID, projectID, eventType, payload)
			return err
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return err
		}
		_, err := bus.Publish(ctx, tenantID, projectID, domain.EventOutboxDispatched, map[string]any{
			"originalType": eventType,
		})
		if err != nil {
			slog.Warn("outbox.dispatched emission failed", slog.Any("error", err))
		}
		return nil
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox dispatcher stopping")
			return
		case <-ticker.C:
			if n, err := d.DispatchBatch(ctx); err != nil {
				slog.Error("outbox dispatch batch failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Debug("outbox batch dispatched", slog.Int("rows", n))
			}
		}
	}
}

// DispatchBatch claims up to batch undispatched rows with SKIP LOCKED,
// dispatches each, and commits the outcome updates in one transaction.
// Returns the number of rows successfully dispatched.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=outbox.DispatchBatch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, event_type, payload, retry_count
		 FROM events_outbox
		 WHERE dispatched = false AND retry_count < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxRetries, d.batch)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.DispatchBatch: select: %w", err)
	}
	type claimed struct {
		id        int64
		eventType string
		payload   []byte
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		var retryCount int
		if err := rows.Scan(&c.id, &c.eventType, &c.payload, &retryCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=outbox.DispatchBatch: scan: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=outbox.DispatchBatch: rows: %w", err)
	}

	dispatched := 0
	for _, c := range batch {
		var payload map[string]any
		if err := json.Unmarshal(c.payload, &payload); err != nil {
			// Undecodable rows burn their retries; the terminal state leaves
			// them visible to operators.
			if uerr := d.markFailed(ctx, tx, c.id, fmt.Sprintf("payload decode: %v", err)); uerr != nil {
				return dispatched, uerr
			}
			observability.OutboxDispatched.WithLabelValues("error").Inc()
			continue
		}
		h := d.handlers[c.eventType]
		if h == nil {
			h = d.fallback
		}
		if err := h(ctx, c.eventType, payload); err != nil {
			if uerr := d.markFailed(ctx, tx, c.id, err.Error()); uerr != nil {
				return dispatched, uerr
			}
			observability.OutboxDispatched.WithLabelValues("error").Inc()
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE events_outbox SET dispatched=true, dispatched_at=now(), last_error=NULL WHERE id=$1`,
			c.id); err != nil {
			return dispatched, fmt.Errorf("op=outbox.DispatchBatch: mark dispatched: %w", err)
		}
		observability.OutboxDispatched.WithLabelValues("ok").Inc()
		dispatched++
	}

	if err := tx.Commit(ctx); err != nil {
		return dispatched, fmt.Errorf("op=outbox.DispatchBatch: commit: %w", err)
	}
	return dispatched, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, tx pgx.Tx, id int64, msg string) error {
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	_, err := tx.Exec(ctx,
		`UPDATE events_outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id=$1`,
		id, msg)
	if err != nil {
		return fmt.Errorf("op=outbox.DispatchBatch: mark failed: %w", err)
	}
	return nil
}
