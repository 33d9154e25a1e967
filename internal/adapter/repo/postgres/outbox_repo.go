package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
)

// EnqueueOutbox inserts an event into events_outbox inside the caller's
// transaction. Pairing the insert with the business write makes event
// emission transactional: either both commit or neither does. The dispatcher
// drains the table later.
func EnqueueOutbox(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]any) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Enqueue")
	defer span.End()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=outbox.enqueue: marshal: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO events_outbox (event_type, payload, dispatched, retry_count, created_at)
		 VALUES ($1, $2, false, 0, now())`,
		eventType, body)
	if err != nil {
		return fmt.Errorf("op=outbox.enqueue: %w", err)
	}
	return nil
}
