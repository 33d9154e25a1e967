package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aiseohq/aiseo/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// fakeTx records Execs so tests can assert what rides one transaction.
type fakeTx struct {
	execs      []execCall
	affected   int64 // rows reported for UPDATE statements
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if strings.HasPrefix(strings.TrimSpace(sql), "UPDATE") {
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", t.affected)), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not implemented") }
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                  { return nil }

type fakeTxPool struct{ tx *fakeTx }

func (p *fakeTxPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) { return p.tx, nil }
func (p *fakeTxPool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("writes must go through the transaction")
}
func (p *fakeTxPool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (p *fakeTxPool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func outboxPayload(t *testing.T, call execCall) (string, map[string]any) {
	t.Helper()
	if len(call.args) != 2 {
		t.Fatalf("outbox insert args: %v", call.args)
	}
	eventType, _ := call.args[0].(string)
	body, _ := call.args[1].([]byte)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode outbox payload: %v", err)
	}
	return eventType, payload
}

func TestWebhooksCreate_AnnouncesThroughOutboxInSameTx(t *testing.T) {
	tx := &fakeTx{affected: 1}
	repo := NewWebhooksRepo(&fakeTxPool{tx: tx})

	id, err := repo.Create(context.Background(), domain.Webhook{
		TenantID:         "t1",
		URL:              "https://hooks.example.com/sink",
		Events:           []string{domain.EventReportReady},
		Enabled:          true,
		SecretCiphertext: "ct",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if !tx.committed {
		t.Fatalf("create must commit")
	}
	if len(tx.execs) != 2 {
		t.Fatalf("expected webhook insert + outbox insert, got %d execs", len(tx.execs))
	}
	if !strings.Contains(tx.execs[0].sql, "INSERT INTO webhooks") {
		t.Fatalf("first statement must insert the webhook: %s", tx.execs[0].sql)
	}
	if !strings.Contains(tx.execs[1].sql, "INSERT INTO events_outbox") {
		t.Fatalf("second statement must write the outbox: %s", tx.execs[1].sql)
	}
	eventType, payload := outboxPayload(t, tx.execs[1])
	if eventType != domain.EventWebhookCreated {
		t.Fatalf("expected %s, got %s", domain.EventWebhookCreated, eventType)
	}
	if payload["tenantId"] != "t1" || payload["webhookId"] != id {
		t.Fatalf("outbox payload lost identity: %v", payload)
	}
}

func TestWebhooksRotateSecret_AnnouncesThroughOutbox(t *testing.T) {
	tx := &fakeTx{affected: 1}
	repo := NewWebhooksRepo(&fakeTxPool{tx: tx})

	if err := repo.RotateSecret(context.Background(), "t1", "wh1", "new-ct"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !tx.committed {
		t.Fatalf("rotate must commit")
	}
	if len(tx.execs) != 2 {
		t.Fatalf("expected update + outbox insert, got %d execs", len(tx.execs))
	}
	eventType, payload := outboxPayload(t, tx.execs[1])
	if eventType != domain.EventWebhookSecretRotated {
		t.Fatalf("expected %s, got %s", domain.EventWebhookSecretRotated, eventType)
	}
	if payload["tenantId"] != "t1" || payload["webhookId"] != "wh1" {
		t.Fatalf("outbox payload lost identity: %v", payload)
	}
}

func TestWebhooksRotateSecret_UnknownIDRollsBack(t *testing.T) {
	tx := &fakeTx{affected: 0}
	repo := NewWebhooksRepo(&fakeTxPool{tx: tx})

	err := repo.RotateSecret(context.Background(), "t1", "missing", "new-ct")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("unknown id must roll back, committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
	if len(tx.execs) != 1 {
		t.Fatalf("no outbox row may be written on a failed update, got %d execs", len(tx.execs))
	}
}
