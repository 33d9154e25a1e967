package domain

import "context"

// MaxSubagentDepth bounds recursive agent invocation. A request at depth
// greater than this returns a structured failure without invoking the target.
const MaxSubagentDepth = 3

// AgentContext carries everything an agent may touch during one invocation.
// Agents are stateless between invocations; any persistence goes through the
// database.
type AgentContext struct {
	TenantID      string
	ProjectID     string
	AgentID       string
	JobID         string
	Attempt       int
	WorkspacePath string
	Depth         int
	Bus           EventBus
	Subagents     SubagentExecutor
}

// Agent is the uniform contract every agent implements. Input and output are
// schema-bearing maps; validation happens at the boundary.
type Agent interface {
	ID() string
	Run(ctx context.Context, input map[string]any, ac *AgentContext) (map[string]any, error)
}

// QuotaConsumer is implemented by agents whose execution consumes a metered
// quota. The worker pre-checks the returned kind and cost before invocation.
type QuotaConsumer interface {
	QuotaCost(input map[string]any) (QuotaKind, int64)
}

// SubagentExecutor lets an agent invoke another agent through the registry
// with a bounded recursion depth.
type SubagentExecutor interface {
	RunSubagent(ctx context.Context, agentID string, input map[string]any, parent *AgentContext) (map[string]any, error)
}
