package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiseohq/aiseo/internal/domain"
)

// SleepAgent is the test.sleep agent: it sleeps for the configured duration
// and optionally fails its first attempt per job. Integration scenarios use
// it to exercise fan-out, retry, and cancellation without real agent work.
type SleepAgent struct {
	mu     sync.Mutex
	failed map[string]bool // job ids that already burned their failOnce
}

// NewSleepAgent constructs the test.sleep agent.
func NewSleepAgent() *SleepAgent {
	return &SleepAgent{failed: make(map[string]bool)}
}

// ID implements domain.Agent.
func (a *SleepAgent) ID() string { return "test.sleep" }

// Run sleeps for input.durationMs (default 100) honouring cancellation.
// input.failOnce makes the first attempt of each job return an error.
func (a *SleepAgent) Run(ctx context.Context, input map[string]any, ac *domain.AgentContext) (map[string]any, error) {
	durMs := int64(100)
	if v, ok := input["durationMs"].(float64); ok && v > 0 {
		durMs = int64(v)
	}
	if fail, _ := input["failOnce"].(bool); fail {
		a.mu.Lock()
		burned := a.failed[ac.JobID]
		if !burned {
			a.failed[ac.JobID] = true
		}
		a.mu.Unlock()
		if !burned {
			return nil, fmt.Errorf("test.sleep: induced first-attempt failure")
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(durMs) * time.Millisecond):
	}
	return map[string]any{"sleptMs": durMs}, nil
}

// EmitAgent is the test.emit agent: it publishes a system.test event and
// returns. Used to verify end-to-end event routing through the fan-outs.
type EmitAgent struct{}

// ID implements domain.Agent.
func (EmitAgent) ID() string { return "test.emit" }

// Run publishes system.test with the job's input echoed in the payload.
func (EmitAgent) Run(ctx context.Context, input map[string]any, ac *domain.AgentContext) (map[string]any, error) {
	if ac.Bus == nil {
		return nil, fmt.Errorf("test.emit: no event bus in context")
	}
	ev, err := ac.Bus.Publish(ctx, ac.TenantID, ac.ProjectID, domain.EventSystemTest, map[string]any{
		"echo":  input,
		"jobId": ac.JobID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"seq": ev.Seq}, nil
}

// RegisterTestAgents installs the builtin test agents.
func RegisterTestAgents(r *Registry) {
	r.Register(NewSleepAgent())
	r.Register(EmitAgent{})
}

// RegisterBuiltins installs the agents every worker needs regardless of its
// domain agent set.
func RegisterBuiltins(r *Registry) {
	r.Register(CollectAgent{})
}
