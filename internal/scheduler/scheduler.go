// Package scheduler materialises recurring flows: every enabled schedule maps
// to exactly one in-process cron registration that submits its flow on tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/orchestrator"
)

const tickTimeout = 30 * time.Second

// Scheduler wraps gocron over the schedules repository and the flow
// orchestrator. Registrations are tagged tenant:scheduleId so a schedule can
// be removed without touching its siblings.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules domain.SchedulesRepository
	flows     *orchestrator.Orchestrator
}

// New constructs a stopped Scheduler; call Start after the database is up.
func New(schedules domain.SchedulesRepository, flows *orchestrator.Orchestrator) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.New: %w", err)
	}
	return &Scheduler{cron: cron, schedules: schedules, flows: flows}, nil
}

// Start loads every enabled schedule, registers it, and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.Start: %w", err)
	}
	registered := 0
	for _, sched := range enabled {
		if err := s.register(sched); err != nil {
			slog.Error("schedule registration failed",
				slog.String("tenant_id", sched.TenantID),
				slog.String("schedule_id", sched.ID),
				slog.Any("error", err))
			continue
		}
		registered++
	}
	s.cron.Start()
	slog.Info("scheduler started", slog.Int("schedules", registered))
	return nil
}

// Stop shuts the cron down, waiting for running tick functions.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("op=scheduler.Stop: %w", err)
	}
	return nil
}

// Upsert persists the schedule and (re)registers it. Disabling both flips
// enabled=false in the store and removes the cron registration, so a dormant
// schedule cannot resurrect on restart or in a sibling process.
func (s *Scheduler) Upsert(ctx context.Context, sched domain.Schedule) error {
	if sched.TenantID == "" || sched.ID == "" {
		return fmt.Errorf("op=scheduler.Upsert: missing tenant or schedule id: %w", domain.ErrInvalidArgument)
	}
	if err := s.schedules.Upsert(ctx, sched); err != nil {
		return err
	}
	s.cron.RemoveByTags(tag(sched.TenantID, sched.ID))
	if !sched.Enabled {
		slog.Info("schedule disabled",
			slog.String("tenant_id", sched.TenantID),
			slog.String("schedule_id", sched.ID))
		return nil
	}
	if err := s.register(sched); err != nil {
		return err
	}
	slog.Info("schedule registered",
		slog.String("tenant_id", sched.TenantID),
		slog.String("schedule_id", sched.ID),
		slog.String("cron", sched.Cron),
		slog.String("flow", sched.FlowName))
	return nil
}

// Remove deletes the schedule and its cron registration. Tenant mismatch and
// unknown ids surface from the repository as domain errors.
func (s *Scheduler) Remove(ctx context.Context, tenantID, id string) error {
	if err := s.schedules.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.cron.RemoveByTags(tag(tenantID, id))
	slog.Info("schedule removed",
		slog.String("tenant_id", tenantID),
		slog.String("schedule_id", id))
	return nil
}

// TriggerNow submits the schedule's flow immediately, bypassing the cron.
func (s *Scheduler) TriggerNow(ctx context.Context, tenantID, id string) (orchestrator.Submission, error) {
	sched, err := s.schedules.Get(ctx, tenantID, id)
	if err != nil {
		return orchestrator.Submission{}, err
	}
	return s.flows.Submit(ctx, sched.FlowName, seedInput(sched))
}

// register adds one gocron job in singleton mode: a tick that fires while the
// previous run of the same schedule is still submitting is skipped.
func (s *Scheduler) register(sched domain.Schedule) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(cronExpr(sched), false),
		gocron.NewTask(func(sc domain.Schedule) {
			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
			defer cancel()
			// Re-read at tick time: a disable that raced the tick must win.
			current, err := s.schedules.Get(ctx, sc.TenantID, sc.ID)
			if err != nil || !current.Enabled {
				return
			}
			if _, err := s.flows.Submit(ctx, current.FlowName, seedInput(current)); err != nil {
				slog.Error("scheduled flow submission failed",
					slog.String("tenant_id", sc.TenantID),
					slog.String("schedule_id", sc.ID),
					slog.String("flow", current.FlowName),
					slog.Any("error", err))
			}
		}, sched),
		gocron.WithTags(tag(sched.TenantID, sched.ID)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("op=scheduler.register: %q (cron %q): %w", sched.ID, sched.Cron, err)
	}
	return nil
}

// cronExpr prefixes the expression with CRON_TZ when the schedule carries a
// timezone; the parser evaluates the fields in that zone.
func cronExpr(s domain.Schedule) string {
	if s.Timezone == "" {
		return s.Cron
	}
	return fmt.Sprintf("CRON_TZ=%s %s", s.Timezone, s.Cron)
}

func tag(tenantID, id string) string { return tenantID + ":" + id }

// seedInput builds the flow input from the schedule's stored seed plus the
// tenant and project bindings, which always come from the schedule row.
func seedInput(s domain.Schedule) map[string]any {
	in := make(map[string]any, len(s.Input)+3)
	for k, v := range s.Input {
		in[k] = v
	}
	in["tenantId"] = s.TenantID
	in["projectId"] = s.ProjectID
	in["scheduleId"] = s.ID
	return in
}
