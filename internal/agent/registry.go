// Package agent provides the process-wide agent registry, the depth-guarded
// subagent executor, isolated per-job workspaces, and the builtin test
// agents used by integration scenarios.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiseohq/aiseo/internal/domain"
)

// Registry maps stable agent ids to implementations. It is populated at
// startup and read by the worker and the subagent executor.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]domain.Agent)}
}

// Register adds an agent. Re-registering the same id replaces the previous
// implementation; last registration wins.
func (r *Registry) Register(a domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

// Lookup returns the agent for id or domain.ErrAgentNotFound.
func (r *Registry) Lookup(id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("op=registry.Lookup: %q: %w", id, domain.ErrAgentNotFound)
	}
	return a, nil
}

// IDs returns the registered agent ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// SubagentRunner invokes agents through the registry on behalf of a parent
// agent, with a recursion depth guard. The registry is held by reference so
// there are no cycles at the type level: the worker passes the runner into
// the agent context as an opaque handle.
type SubagentRunner struct {
	registry *Registry
}

// NewSubagentRunner constructs a SubagentRunner over the registry.
func NewSubagentRunner(registry *Registry) *SubagentRunner {
	return &SubagentRunner{registry: registry}
}

// RunSubagent executes the target agent one level deeper than the parent.
// Depth beyond domain.MaxSubagentDepth returns a structured failure without
// invoking the target.
func (s *SubagentRunner) RunSubagent(ctx context.Context, agentID string, input map[string]any, parent *domain.AgentContext) (map[string]any, error) {
	depth := parent.Depth + 1
	if depth > domain.MaxSubagentDepth {
		return nil, fmt.Errorf("op=subagent.Run: %q at depth %d: %w", agentID, depth, domain.ErrDepthExceeded)
	}
	target, err := s.registry.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	child := &domain.AgentContext{
		TenantID:      parent.TenantID,
		ProjectID:     parent.ProjectID,
		AgentID:       agentID,
		JobID:         parent.JobID,
		Attempt:       parent.Attempt,
		WorkspacePath: parent.WorkspacePath,
		Depth:         depth,
		Bus:           parent.Bus,
		Subagents:     s,
	}
	return target.Run(ctx, input, child)
}

var _ domain.SubagentExecutor = (*SubagentRunner)(nil)
