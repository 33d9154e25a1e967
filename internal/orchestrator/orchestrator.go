package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/aiseohq/aiseo/internal/domain"
)

// Orchestrator submits workflow templates to the queues and announces them on
// the event bus.
type Orchestrator struct {
	queue     domain.Queue
	bus       domain.EventBus
	queues    Queues
	templates map[string]Template
}

// New constructs an Orchestrator over the broker and bus.
func New(queue domain.Queue, bus domain.EventBus, queues Queues) *Orchestrator {
	return &Orchestrator{
		queue:     queue,
		bus:       bus,
		queues:    queues,
		templates: Templates(),
	}
}

// Submission is returned from Submit: the template name plus the root job id
// callers poll or subscribe on.
type Submission struct {
	FlowName  string `json:"flowName"`
	FlowJobID string `json:"flowJobId"`
}

// FlowNames lists the registered template names.
func (o *Orchestrator) FlowNames() []string {
	names := make([]string, 0, len(o.templates))
	for n := range o.templates {
		names = append(names, n)
	}
	return names
}

// Submit expands the named template with input, enqueues the DAG atomically,
// and publishes flow.started.
func (o *Orchestrator) Submit(ctx domain.Context, flowName string, input map[string]any) (Submission, error) {
	tpl, ok := o.templates[flowName]
	if !ok {
		return Submission{}, fmt.Errorf("op=orchestrator.Submit: unknown flow %q: %w", flowName, domain.ErrInvalidArgument)
	}
	if err := validateInput(input); err != nil {
		return Submission{}, err
	}

	root := tpl(input, o.queues)
	rootID, err := o.queue.EnqueueFlow(ctx, root)
	if err != nil {
		return Submission{}, fmt.Errorf("op=orchestrator.Submit: %w", err)
	}

	tenantID, _ := input["tenantId"].(string)
	projectID, _ := input["projectId"].(string)
	if o.bus != nil {
		if _, err := o.bus.Publish(ctx, tenantID, projectID, domain.EventFlowStarted, map[string]any{
			"flowName":  flowName,
			"flowJobId": rootID,
			"nodes":     CountNodes(root),
		}); err != nil {
			slog.Error("flow.started publish failed",
				slog.String("flow", flowName),
				slog.Any("error", err))
		}
	}
	slog.Info("flow submitted",
		slog.String("flow", flowName),
		slog.String("flow_job_id", rootID),
		slog.String("tenant_id", tenantID))
	return Submission{FlowName: flowName, FlowJobID: rootID}, nil
}
