// Package worker executes agent jobs pulled from the named queues: tenant
// binding, isolated workspaces, quota pre-checks, lifecycle events, and
// graceful drain on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiseohq/aiseo/internal/adapter/queue/redisq"
	"github.com/aiseohq/aiseo/internal/agent"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
	"github.com/aiseohq/aiseo/internal/quota"
)

const fetchTimeout = 2 * time.Second

// QueueSpec binds one consumer to its concurrency.
type QueueSpec struct {
	Consumer    *redisq.Consumer
	Concurrency int
}

// Worker hosts one executor per queue, each running Concurrency goroutines.
type Worker struct {
	queues     []QueueSpec
	registry   *agent.Registry
	subagents  domain.SubagentExecutor
	workspaces *agent.Workspaces
	quotas     *quota.Engine
	bus        domain.EventBus
	skipNames  map[string]struct{}
	grace      time.Duration
	stopping   atomic.Bool
}

// New constructs a Worker. quotas may be nil to disable quota pre-checks
// (tests); skipJobNames filters job names this worker must not process.
func New(queues []QueueSpec, registry *agent.Registry, workspaces *agent.Workspaces, quotas *quota.Engine, bus domain.EventBus, skipJobNames []string, grace time.Duration) *Worker {
	skip := make(map[string]struct{}, len(skipJobNames))
	for _, n := range skipJobNames {
		skip[n] = struct{}{}
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Worker{
		queues:     queues,
		registry:   registry,
		subagents:  agent.NewSubagentRunner(registry),
		workspaces: workspaces,
		quotas:     quotas,
		bus:        bus,
		skipNames:  skip,
		grace:      grace,
	}
}

// Stopping reports whether shutdown has begun; the health endpoint flips to
// 503 on it.
func (w *Worker) Stopping() bool { return w.stopping.Load() }

// Run blocks until ctx is cancelled and the grace window has drained. New
// fetches stop immediately on cancellation; in-flight jobs get a cooperative
// deadline of the grace duration before their contexts are cut.
func (w *Worker) Run(ctx context.Context) error {
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	go func() {
		<-ctx.Done()
		w.stopping.Store(true)
		slog.Info("worker draining", slog.Duration("grace", w.grace))
		timer := time.NewTimer(w.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-execCtx.Done():
			return
		}
		cancelExec()
	}()

	g, runCtx := errgroup.WithContext(ctx)
	for _, spec := range w.queues {
		spec := spec
		g.Go(func() error {
			spec.Consumer.RunPromoter(runCtx, 0)
			return nil
		})
		for i := 0; i < spec.Concurrency; i++ {
			g.Go(func() error {
				w.consumeLoop(runCtx, execCtx, spec.Consumer)
				return nil
			})
		}
	}
	err := g.Wait()
	cancelExec()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("op=worker.Run: %w", err)
	}
	return nil
}

func (w *Worker) consumeLoop(fetchCtx, execCtx context.Context, c *redisq.Consumer) {
	for {
		if fetchCtx.Err() != nil {
			return
		}
		job, err := c.Fetch(fetchCtx, fetchTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("job fetch failed",
				slog.String("queue", c.QueueName()),
				slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if _, skip := w.skipNames[job.Name]; skip {
			if err := c.Requeue(execCtx, job.ID); err != nil {
				slog.Error("job requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			// Back off briefly so the specialized worker gets a chance to
			// claim it instead of this loop re-fetching it immediately.
			time.Sleep(200 * time.Millisecond)
			continue
		}
		w.process(execCtx, c, job)
	}
}

// process runs one job end to end. Every unexpected error is caught at this
// frame and transformed into agent.task.failed so that every started event
// has exactly one completion event.
func (w *Worker) process(ctx context.Context, c *redisq.Consumer, job domain.Job) {
	started := time.Now()
	ctx = observability.ContextWithTenant(ctx, job.TenantID)
	ctx = observability.ContextWithJobID(ctx, job.ID)
	lg := slog.Default().With(
		slog.String("queue", c.QueueName()),
		slog.String("job_id", job.ID),
		slog.String("agent", job.Name),
		slog.Int("attempt", job.Attempt),
	)

	// Tenant binding comes first; a job without a tenant can never be
	// executed safely and is refused permanently.
	if job.TenantID == "" {
		lg.Error("job missing tenant id, refusing permanently")
		if err := c.FailPermanently(ctx, job.ID, fmt.Errorf("missing tenantId in payload")); err != nil {
			lg.Error("permanent fail failed", slog.Any("error", err))
		}
		observability.JobsProcessed.WithLabelValues(c.QueueName(), "refused").Inc()
		return
	}

	lifecycle := map[string]any{
		"queue":     c.QueueName(),
		"agentName": job.Name,
		"jobId":     job.ID,
		"attempt":   job.Attempt,
	}
	w.publish(ctx, job, domain.EventAgentTaskStarted, lifecycle)
	_ = c.UpdateProgress(ctx, job.ID, 10)

	result, runErr := w.invoke(ctx, c, job, lg)

	if runErr == nil {
		_ = c.UpdateProgress(ctx, job.ID, 100)
		completed := map[string]any{
			"queue":     c.QueueName(),
			"agentName": job.Name,
			"jobId":     job.ID,
			"attempt":   job.Attempt,
			"result":    result,
		}
		w.publish(ctx, job, domain.EventAgentTaskCompleted, completed)
		if err := c.Complete(ctx, job.ID, result); err != nil {
			lg.Error("job completion ack failed", slog.Any("error", err))
		}
		observability.JobsProcessed.WithLabelValues(c.QueueName(), "completed").Inc()
		observability.JobDuration.WithLabelValues(c.QueueName(), job.Name).Observe(time.Since(started).Seconds())
		return
	}

	terminal := errors.Is(runErr, domain.ErrQuotaExceeded) ||
		errors.Is(runErr, domain.ErrAgentNotFound) ||
		errors.Is(runErr, domain.ErrInvalidArgument)
	willRetry := !terminal && job.Attempt < job.MaxAttempts

	failed := map[string]any{
		"queue":     c.QueueName(),
		"agentName": job.Name,
		"jobId":     job.ID,
		"attempt":   job.Attempt,
		"error":     runErr.Error(),
		"willRetry": willRetry,
	}
	var qerr *domain.QuotaError
	if errors.As(runErr, &qerr) {
		failed["quota"] = map[string]any{
			"kind":      string(qerr.Kind),
			"period":    qerr.Period,
			"limit":     qerr.Limit,
			"current":   qerr.Current,
			"requested": qerr.Requested,
		}
	}
	w.publish(ctx, job, domain.EventAgentTaskFailed, failed)

	if terminal {
		if err := c.FailPermanently(ctx, job.ID, runErr); err != nil {
			lg.Error("permanent fail failed", slog.Any("error", err))
		}
	} else {
		if _, _, err := c.Fail(ctx, job.ID, runErr); err != nil {
			lg.Error("fail ack failed", slog.Any("error", err))
		}
	}
	lg.Warn("job failed", slog.Bool("will_retry", willRetry), slog.Any("error", runErr))
	observability.JobsProcessed.WithLabelValues(c.QueueName(), "failed").Inc()
}

// invoke performs workspace allocation, the quota pre-check, and the agent
// call, recovering panics into errors.
func (w *Worker) invoke(ctx context.Context, c *redisq.Consumer, job domain.Job, lg *slog.Logger) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error("agent panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()

	ag, err := w.registry.Lookup(job.Name)
	if err != nil {
		return nil, err
	}

	workspace, cleanup, err := w.workspaces.Allocate(job.Name)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	_ = c.UpdateProgress(ctx, job.ID, 30)

	if w.quotas != nil {
		if qc, ok := ag.(domain.QuotaConsumer); ok {
			kind, cost := qc.QuotaCost(job.Payload)
			if cost > 0 {
				if _, err := w.quotas.Increment(ctx, job.TenantID, kind, cost); err != nil {
					return nil, err
				}
			}
		}
	}

	runCtx := ctx
	if job.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	ac := &domain.AgentContext{
		TenantID:      job.TenantID,
		ProjectID:     job.ProjectID,
		AgentID:       job.Name,
		JobID:         job.ID,
		Attempt:       job.Attempt,
		WorkspacePath: workspace,
		Depth:         0,
		Bus:           w.bus,
		Subagents:     w.subagents,
	}
	return ag.Run(runCtx, job.Payload, ac)
}

func (w *Worker) publish(ctx context.Context, job domain.Job, eventType string, payload map[string]any) {
	if w.bus == nil {
		return
	}
	if _, err := w.bus.Publish(ctx, job.TenantID, job.ProjectID, eventType, payload); err != nil {
		slog.Error("lifecycle event publish failed",
			slog.String("job_id", job.ID),
			slog.String("type", eventType),
			slog.Any("error", err))
	}
}
