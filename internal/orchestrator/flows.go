// Package orchestrator composes the first-class workflow templates into
// dependency DAGs and submits them to the backing queues.
package orchestrator

import (
	"fmt"
	"maps"

	"github.com/aiseohq/aiseo/internal/domain"
)

// First-class workflow template names.
const (
	FlowContentPipeline    = "seo-content-pipeline"
	FlowMonitoringPipeline = "seo-monitoring-pipeline"
	FlowComprehensiveAudit = "seo-comprehensive-audit"
	FlowLocalSEO           = "local-seo-optimization"
)

// Agent ids the templates dispatch to.
const (
	AgentKeywordResearch      = "keyword-research"
	AgentCompetitorMonitoring = "competitor-monitoring"
	AgentContentOutline       = "content-outline"
	AgentContentWriter        = "content-writer"
	AgentContentPublisher     = "content-publisher"
	AgentSerpDailyTracker     = "serp-daily-tracker"
	AgentTechnicalAudit       = "technical-audit"
	AgentPagespeedMonitor     = "pagespeed-monitor"
	AgentBacklinkDiscovery    = "backlink-discovery"
	AgentContentRefresh       = "content-refresh"
	AgentLocalSEOAudit        = "local-seo-audit"
	AgentReportGenerator      = "report-generator"

	// AgentFlowCollect is the builtin no-op root used by flows whose stages
	// are independent and need only a single completion point.
	AgentFlowCollect = "flow.collect"
)

// Queues names the backing queues a template distributes work across.
type Queues struct {
	Orchestrator string
	SmartAgents  string
	AutoTasks    string
}

// DefaultQueues routes roots to orchestrator, content stages to smart-agents,
// and monitoring/audit fan-out to auto-tasks.
func DefaultQueues() Queues {
	return Queues{
		Orchestrator: domain.QueueOrchestrator,
		SmartAgents:  domain.QueueSmartAgents,
		AutoTasks:    domain.QueueAutoTasks,
	}
}

// Template is a pure function from a start input to a DAG. Templates never
// touch the broker; submission is the orchestrator's job.
type Template func(input map[string]any, q Queues) *domain.FlowNode

// Templates returns the registry of first-class workflow templates.
func Templates() map[string]Template {
	return map[string]Template{
		FlowContentPipeline:    ContentPipeline,
		FlowMonitoringPipeline: MonitoringPipeline,
		FlowComprehensiveAudit: ComprehensiveAudit,
		FlowLocalSEO:           LocalSEO,
	}
}

// ContentPipeline is the linear chain research → outline → write → publish.
// Research runs keyword research and competitor monitoring in parallel;
// outline depends on both; publish carries the approval gate flag.
func ContentPipeline(input map[string]any, q Queues) *domain.FlowNode {
	research := []*domain.FlowNode{
		node(AgentKeywordResearch, q.SmartAgents, stage(input, "research")),
		node(AgentCompetitorMonitoring, q.SmartAgents, stage(input, "research")),
	}
	outline := node(AgentContentOutline, q.SmartAgents, stage(input, "outline"))
	outline.Children = research

	write := node(AgentContentWriter, q.SmartAgents, stage(input, "write"))
	write.Children = []*domain.FlowNode{outline}

	publishInput := stage(input, "publish")
	publishInput["requiresApproval"] = true
	publish := node(AgentContentPublisher, q.Orchestrator, publishInput)
	publish.Children = []*domain.FlowNode{write}
	return publish
}

// MonitoringPipeline fans out the five independent monitoring jobs under a
// no-op collector root.
func MonitoringPipeline(input map[string]any, q Queues) *domain.FlowNode {
	root := node(AgentFlowCollect, q.Orchestrator, map[string]any{
		"flowName":  FlowMonitoringPipeline,
		"tenantId":  input["tenantId"],
		"projectId": input["projectId"],
	})
	root.Children = []*domain.FlowNode{
		node(AgentSerpDailyTracker, q.AutoTasks, stage(input, "monitor")),
		node(AgentTechnicalAudit, q.AutoTasks, stage(input, "monitor")),
		node(AgentPagespeedMonitor, q.AutoTasks, stage(input, "monitor")),
		node(AgentBacklinkDiscovery, q.AutoTasks, stage(input, "monitor")),
		node(AgentContentRefresh, q.AutoTasks, stage(input, "monitor")),
	}
	return root
}

// ComprehensiveAudit fans out nine audit facets and closes with a single
// report-generation job depending on all of them.
func ComprehensiveAudit(input map[string]any, q Queues) *domain.FlowNode {
	facets := []struct {
		agent string
		facet string
	}{
		{AgentTechnicalAudit, "crawl"},
		{AgentPagespeedMonitor, "mobile"},
		{AgentPagespeedMonitor, "desktop"},
		{AgentSerpDailyTracker, "rankings"},
		{AgentKeywordResearch, "keyword-gaps"},
		{AgentCompetitorMonitoring, "competitors"},
		{AgentBacklinkDiscovery, "backlinks"},
		{AgentContentRefresh, "content-decay"},
		{AgentLocalSEOAudit, "local"},
	}
	children := make([]*domain.FlowNode, 0, len(facets))
	for _, f := range facets {
		in := stage(input, "audit")
		in["facet"] = f.facet
		children = append(children, node(f.agent, q.AutoTasks, in))
	}
	reportInput := stage(input, "report")
	reportInput["reportType"] = FlowComprehensiveAudit
	report := node(AgentReportGenerator, q.Orchestrator, reportInput)
	report.Children = children
	return report
}

// LocalSEO runs one local-SEO audit followed by report generation.
func LocalSEO(input map[string]any, q Queues) *domain.FlowNode {
	audit := node(AgentLocalSEOAudit, q.AutoTasks, stage(input, "audit"))
	reportInput := stage(input, "report")
	reportInput["reportType"] = FlowLocalSEO
	report := node(AgentReportGenerator, q.Orchestrator, reportInput)
	report.Children = []*domain.FlowNode{audit}
	return report
}

func node(agent, queue string, payload map[string]any) *domain.FlowNode {
	return &domain.FlowNode{Name: agent, Queue: queue, Payload: payload}
}

// stage clones the seed input and tags the copy with the stage name, so
// sibling nodes never share a payload map.
func stage(input map[string]any, name string) map[string]any {
	out := make(map[string]any, len(input)+1)
	maps.Copy(out, input)
	out["stage"] = name
	return out
}

// CountNodes walks the DAG; handy for sizing checks.
func CountNodes(root *domain.FlowNode) int {
	if root == nil {
		return 0
	}
	n := 1
	for _, c := range root.Children {
		n += CountNodes(c)
	}
	return n
}

// validateInput ensures the seed input binds the flow to a tenant.
func validateInput(input map[string]any) error {
	if v, _ := input["tenantId"].(string); v == "" {
		return fmt.Errorf("op=orchestrator.validateInput: missing tenantId: %w", domain.ErrInvalidArgument)
	}
	return nil
}
