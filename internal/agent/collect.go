package agent

import (
	"context"

	"github.com/aiseohq/aiseo/internal/domain"
)

// CollectAgent is the builtin flow.collect root: it runs only after every
// child of its flow has completed and simply marks the flow done. Flows whose
// stages are independent use it as their single completion point.
type CollectAgent struct{}

// ID implements domain.Agent.
func (CollectAgent) ID() string { return "flow.collect" }

// Run echoes the flow identity; all the work happened in the children.
func (CollectAgent) Run(_ context.Context, input map[string]any, ac *domain.AgentContext) (map[string]any, error) {
	flowName, _ := input["flowName"].(string)
	return map[string]any{
		"flowName": flowName,
		"jobId":    ac.JobID,
	}, nil
}
