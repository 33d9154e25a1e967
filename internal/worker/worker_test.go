package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/adapter/queue/redisq"
	"github.com/aiseohq/aiseo/internal/agent"
	"github.com/aiseohq/aiseo/internal/domain"
)

type memBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *memBus) Publish(_ domain.Context, tenantID, projectID, eventType string, payload map[string]any) (domain.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := domain.Event{TenantID: tenantID, ProjectID: projectID, Type: eventType, Payload: payload, Seq: int64(len(b.events) + 1)}
	b.events = append(b.events, ev)
	return ev, nil
}

func (b *memBus) Subscribe(_ domain.Context, _ string, _ func(domain.Event)) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *memBus) SubscribeAll(_ domain.Context, _ func(domain.Event)) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *memBus) byType(eventType string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newWorkerFixture(t *testing.T, skip []string) (*redisq.Queue, *Worker, *memBus) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := agent.NewRegistry()
	agent.RegisterBuiltins(registry)
	agent.RegisterTestAgents(registry)

	bus := &memBus{}
	w := New(
		[]QueueSpec{{Consumer: redisq.NewConsumer(rdb, "test-queue"), Concurrency: 2}},
		registry,
		agent.NewWorkspaces(t.TempDir()),
		nil, // no quota pre-checks in these scenarios
		bus,
		skip,
		time.Second,
	)
	return redisq.New(rdb), w, bus
}

func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("condition never met")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("worker did not drain")
	}
}

func TestWorker_CompletesJobAndEmitsLifecycle(t *testing.T) {
	q, w, bus := newWorkerFixture(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test-queue", "test.sleep",
		map[string]any{"tenantId": "t1", "projectId": "p1", "durationMs": float64(5)},
		domain.JobOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runUntil(t, w, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.State == domain.JobCompleted
	})

	started := bus.byType(domain.EventAgentTaskStarted)
	completed := bus.byType(domain.EventAgentTaskCompleted)
	if len(started) != 1 || len(completed) != 1 {
		t.Fatalf("expected exactly one started and one completed event, got %d/%d", len(started), len(completed))
	}
	if started[0].TenantID != "t1" || completed[0].Payload["jobId"] != id {
		t.Fatalf("lifecycle events lost identity: %+v %+v", started[0], completed[0])
	}
}

func TestWorker_RetriesFailOnceJobs(t *testing.T) {
	q, w, bus := newWorkerFixture(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test-queue", "test.sleep",
		map[string]any{"tenantId": "t1", "durationMs": float64(1), "failOnce": true},
		domain.JobOptions{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runUntil(t, w, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.State == domain.JobCompleted
	})

	failed := bus.byType(domain.EventAgentTaskFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one failed attempt, got %d", len(failed))
	}
	if failed[0].Payload["willRetry"] != true {
		t.Fatalf("first failure below max attempts must announce a retry: %+v", failed[0].Payload)
	}
	if len(bus.byType(domain.EventAgentTaskCompleted)) != 1 {
		t.Fatalf("retry must eventually complete")
	}
	job, _ := q.GetJob(ctx, id)
	if job.Attempt != 2 {
		t.Fatalf("expected completion on attempt 2, got %d", job.Attempt)
	}
}

func TestWorker_UnknownAgentFailsPermanently(t *testing.T) {
	q, w, bus := newWorkerFixture(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test-queue", "no-such-agent",
		map[string]any{"tenantId": "t1"},
		domain.JobOptions{MaxAttempts: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runUntil(t, w, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.State == domain.JobFailed
	})

	job, _ := q.GetJob(ctx, id)
	if job.Attempt != 1 {
		t.Fatalf("deterministic fault must not burn retries, attempt=%d", job.Attempt)
	}
	failed := bus.byType(domain.EventAgentTaskFailed)
	if len(failed) != 1 || failed[0].Payload["willRetry"] != false {
		t.Fatalf("expected one terminal failure event, got %+v", failed)
	}
}

func TestWorker_MissingTenantIsRefused(t *testing.T) {
	q, w, bus := newWorkerFixture(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "test-queue", "test.sleep", map[string]any{"durationMs": float64(1)}, domain.JobOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runUntil(t, w, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.State == domain.JobFailed
	})

	if len(bus.events) != 0 {
		t.Fatalf("a tenant-less job must not emit lifecycle events, got %+v", bus.events)
	}
}

func TestWorker_SkipNamesRequeue(t *testing.T) {
	q, w, _ := newWorkerFixture(t, []string{"content-writer"})
	ctx := context.Background()

	skippedID, err := q.Enqueue(ctx, "test-queue", "content-writer", map[string]any{"tenantId": "t1"}, domain.JobOptions{})
	if err != nil {
		t.Fatalf("enqueue skipped: %v", err)
	}
	doneID, err := q.Enqueue(ctx, "test-queue", "test.sleep",
		map[string]any{"tenantId": "t1", "durationMs": float64(1)}, domain.JobOptions{})
	if err != nil {
		t.Fatalf("enqueue runnable: %v", err)
	}

	runUntil(t, w, func() bool {
		job, err := q.GetJob(ctx, doneID)
		return err == nil && job.State == domain.JobCompleted
	})

	// The filtered job was never processed, only bounced back to waiting.
	skipped, err := q.GetJob(ctx, skippedID)
	if err != nil {
		t.Fatalf("get skipped: %v", err)
	}
	if skipped.State == domain.JobCompleted || skipped.State == domain.JobFailed {
		t.Fatalf("skip-listed job must stay unprocessed, got %s", skipped.State)
	}
}

func TestWorker_StoppingFlagFlipsOnShutdown(t *testing.T) {
	_, w, _ := newWorkerFixture(t, nil)
	if w.Stopping() {
		t.Fatalf("fresh worker must not report stopping")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !w.Stopping() {
		t.Fatalf("worker must report stopping after shutdown")
	}
}
