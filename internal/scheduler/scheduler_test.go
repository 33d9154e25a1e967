package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/orchestrator"
)

type memSchedules struct {
	mu   sync.Mutex
	rows map[string]domain.Schedule // key tenant|id
}

func newMemSchedules() *memSchedules {
	return &memSchedules{rows: map[string]domain.Schedule{}}
}

func (m *memSchedules) key(tenantID, id string) string { return tenantID + "|" + id }

func (m *memSchedules) Upsert(_ domain.Context, s domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.key(s.TenantID, s.ID)] = s
	return nil
}

func (m *memSchedules) Get(_ domain.Context, tenantID, id string) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[m.key(tenantID, id)]
	if !ok {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSchedules) Delete(_ domain.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(tenantID, id)
	if _, ok := m.rows[k]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, k)
	return nil
}

func (m *memSchedules) ListEnabled(_ domain.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.rows {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

type captureQueue struct {
	mu    sync.Mutex
	roots []*domain.FlowNode
}

func (q *captureQueue) Enqueue(_ domain.Context, _, _ string, _ map[string]any, _ domain.JobOptions) (string, error) {
	return "", errors.New("templates submit flows, not single jobs")
}

func (q *captureQueue) EnqueueFlow(_ domain.Context, root *domain.FlowNode) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roots = append(q.roots, root)
	return "flow-1", nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *memSchedules, *captureQueue) {
	t.Helper()
	repo := newMemSchedules()
	q := &captureQueue{}
	orch := orchestrator.New(q, nil, orchestrator.DefaultQueues())
	s, err := New(repo, orch)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, repo, q
}

func validSchedule() domain.Schedule {
	return domain.Schedule{
		ID:       "daily-monitor",
		TenantID: "t1",
		FlowName: orchestrator.FlowMonitoringPipeline,
		Cron:     "0 6 * * *",
		Enabled:  true,
		Input:    map[string]any{"domain": "example.com"},
	}
}

func TestUpsert_PersistsAndRegisters(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, validSchedule()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stored, err := repo.Get(ctx, "t1", "daily-monitor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.FlowName != orchestrator.FlowMonitoringPipeline {
		t.Fatalf("schedule not persisted: %+v", stored)
	}
	if got := len(s.cron.Jobs()); got != 1 {
		t.Fatalf("expected 1 cron registration, got %d", got)
	}
}

func TestUpsert_InvalidCronFailsAfterPersist(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	bad := validSchedule()
	bad.Cron = "not a cron"
	if err := s.Upsert(context.Background(), bad); err == nil {
		t.Fatalf("invalid cron expression must be rejected")
	}
}

func TestUpsert_RequiresIdentity(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := validSchedule()
	sched.TenantID = ""
	if err := s.Upsert(context.Background(), sched); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestUpsert_DisableRemovesRegistration(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, validSchedule()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	disabled := validSchedule()
	disabled.Enabled = false
	if err := s.Upsert(ctx, disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := len(s.cron.Jobs()); got != 0 {
		t.Fatalf("disabled schedule must not stay registered, got %d jobs", got)
	}
}

func TestRemove_DeletesRowAndRegistration(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, validSchedule()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Remove(ctx, "t1", "daily-monitor"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := repo.Get(ctx, "t1", "daily-monitor"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("row must be gone, got %v", err)
	}
	if got := len(s.cron.Jobs()); got != 0 {
		t.Fatalf("registration must be gone, got %d", got)
	}

	if err := s.Remove(ctx, "t1", "daily-monitor"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("removing a missing schedule must surface not found, got %v", err)
	}
}

func TestTriggerNow_SubmitsSeededFlow(t *testing.T) {
	s, repo, q := newTestScheduler(t)
	ctx := context.Background()

	sched := validSchedule()
	sched.ProjectID = "p1"
	if err := repo.Upsert(ctx, sched); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sub, err := s.TriggerNow(ctx, "t1", "daily-monitor")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sub.FlowJobID != "flow-1" {
		t.Fatalf("expected submission, got %+v", sub)
	}
	if len(q.roots) != 1 {
		t.Fatalf("expected one flow enqueued, got %d", len(q.roots))
	}
	// The root payload carries the schedule's bindings.
	payload := q.roots[0].Payload
	if payload["tenantId"] != "t1" || payload["projectId"] != "p1" {
		t.Fatalf("seed bindings missing: %+v", payload)
	}

	if _, err := s.TriggerNow(ctx, "t1", "no-such"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown schedule must surface not found, got %v", err)
	}
}

func TestCronExpr_TimezonePrefix(t *testing.T) {
	s := domain.Schedule{Cron: "30 4 * * 1"}
	if got := cronExpr(s); got != "30 4 * * 1" {
		t.Fatalf("no timezone must pass through, got %q", got)
	}
	s.Timezone = "America/New_York"
	if got := cronExpr(s); got != "CRON_TZ=America/New_York 30 4 * * 1" {
		t.Fatalf("timezone must prefix CRON_TZ, got %q", got)
	}
}

func TestSeedInput_BindingsWinOverStoredSeed(t *testing.T) {
	s := domain.Schedule{
		ID: "s1", TenantID: "t1", ProjectID: "p1",
		Input: map[string]any{"tenantId": "spoofed", "depth": 3},
	}
	in := seedInput(s)
	if in["tenantId"] != "t1" {
		t.Fatalf("stored seed must not override the tenant binding: %v", in["tenantId"])
	}
	if in["projectId"] != "p1" || in["scheduleId"] != "s1" {
		t.Fatalf("bindings missing: %+v", in)
	}
	if in["depth"] != 3 {
		t.Fatalf("seed passthrough lost: %+v", in)
	}
}

func TestStart_RegistersEnabledSchedulesOnly(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()

	on := validSchedule()
	off := validSchedule()
	off.ID = "paused"
	off.Enabled = false
	_ = repo.Upsert(ctx, on)
	_ = repo.Upsert(ctx, off)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := len(s.cron.Jobs()); got != 1 {
		t.Fatalf("expected only the enabled schedule registered, got %d", got)
	}
}
