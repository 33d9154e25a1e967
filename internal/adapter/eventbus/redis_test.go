package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func collect(t *testing.T, ch <-chan domain.Event, n int) []domain.Event {
	t.Helper()
	out := make([]domain.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestPublish_SequencesAreMonotonePerTenant(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	got := make(chan domain.Event, 8)
	sub, err := bus.Subscribe(ctx, "t1", func(ev domain.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Stop() }()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "t1", "p1", domain.EventSystemTest, map[string]any{"i": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	// A sibling tenant's counter is independent.
	ev2, err := bus.Publish(ctx, "t2", "", domain.EventSystemTest, nil)
	if err != nil {
		t.Fatalf("publish t2: %v", err)
	}
	if ev2.Seq != 1 {
		t.Fatalf("expected t2 to start at seq 1, got %d", ev2.Seq)
	}

	events := collect(t, got, 3)
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, ev.Seq)
		}
		if ev.TenantID != "t1" || ev.Type != domain.EventSystemTest {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestPublish_RequiresTenant(t *testing.T) {
	bus, _ := newTestBus(t)
	if _, err := bus.Publish(context.Background(), "", "", domain.EventSystemTest, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSubscribe_IsTenantScoped(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	got := make(chan domain.Event, 8)
	sub, err := bus.Subscribe(ctx, "t1", func(ev domain.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Stop() }()

	if _, err := bus.Publish(ctx, "t2", "", domain.EventSystemTest, map[string]any{"who": "other"}); err != nil {
		t.Fatalf("publish t2: %v", err)
	}
	if _, err := bus.Publish(ctx, "t1", "", domain.EventSystemTest, map[string]any{"who": "mine"}); err != nil {
		t.Fatalf("publish t1: %v", err)
	}

	ev := collect(t, got, 1)[0]
	if ev.TenantID != "t1" {
		t.Fatalf("subscription leaked tenant %q", ev.TenantID)
	}
	select {
	case extra := <-got:
		t.Fatalf("received cross-tenant event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAll_SeesEveryTenant(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	got := make(chan domain.Event, 8)
	sub, err := bus.SubscribeAll(ctx, func(ev domain.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer func() { _ = sub.Stop() }()

	if _, err := bus.Publish(ctx, "t1", "", domain.EventAgentTaskStarted, nil); err != nil {
		t.Fatalf("publish t1: %v", err)
	}
	if _, err := bus.Publish(ctx, "t2", "", domain.EventQuotaExceeded, nil); err != nil {
		t.Fatalf("publish t2: %v", err)
	}

	events := collect(t, got, 2)
	tenants := map[string]bool{}
	for _, ev := range events {
		tenants[ev.TenantID] = true
	}
	if !tenants["t1"] || !tenants["t2"] {
		t.Fatalf("expected events from both tenants, got %+v", events)
	}
}

func TestSubscribe_DropsUndecodableMessages(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx := context.Background()

	got := make(chan domain.Event, 8)
	sub, err := bus.Subscribe(ctx, "t1", func(ev domain.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Stop() }()

	if err := rdb.Publish(ctx, "events.t1", "{not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if _, err := bus.Publish(ctx, "t1", "", domain.EventSystemTest, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := collect(t, got, 1)[0]
	if ev.Type != domain.EventSystemTest {
		t.Fatalf("expected the valid event to survive, got %+v", ev)
	}
}
