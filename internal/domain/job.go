package domain

import "time"

// Named queues backed by the Redis broker.
const (
	QueueOrchestrator = "orchestrator"
	QueueSmartAgents  = "smart-agents"
	QueueAutoTasks    = "auto-tasks"
)

// JobState is the broker-side lifecycle state of a job.
type JobState string

// Job lifecycle states. waiting → active → (completed | failed); a failed
// attempt below maxAttempts re-enters via delayed → waiting. A flow parent
// sits in waiting-children until every declared child finishes.
const (
	JobWaiting         JobState = "waiting"
	JobActive          JobState = "active"
	JobCompleted       JobState = "completed"
	JobFailed          JobState = "failed"
	JobDelayed         JobState = "delayed"
	JobWaitingChildren JobState = "waiting-children"
)

// Terminal failure reasons recorded on the job hash.
const (
	FailReasonChildFailed     = "child-failed"
	FailReasonParentCancelled = "parent-cancelled"
)

// Default job policy applied when a submission does not override it.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 2 * time.Second
	KeepCompletedJobs     = 500
	KeepFailedJobs        = 200
)

// JobOptions overrides the default job policy per submission.
type JobOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	Delay       time.Duration
	TimeoutMs   int64
}

// Job is a single agent invocation as seen by the broker.
type Job struct {
	ID          string
	QueueName   string
	Name        string // job name == agent id for agent jobs
	TenantID    string
	ProjectID   string
	Payload     map[string]any
	Attempt     int // 1-based
	MaxAttempts int
	BackoffBase time.Duration
	TimeoutMs   int64
	Progress    int // 0..100
	State       JobState
	ParentID    string
	ChildIDs    []string
	FailReason  string
	CreatedAt   time.Time
}

// FlowNode is one node of a dependency DAG. A node becomes runnable only
// after all its children complete.
type FlowNode struct {
	Name     string
	Queue    string
	Payload  map[string]any
	Opts     JobOptions
	Children []*FlowNode
}

// Queue is the broker port: named queues with delayed, retried,
// progress-tracked jobs and atomic flow composition.
type Queue interface {
	Enqueue(ctx Context, queue, name string, payload map[string]any, opts JobOptions) (string, error)
	// EnqueueFlow atomically enqueues the whole tree and returns the root
	// job id. The root is held in waiting-children until all children finish.
	EnqueueFlow(ctx Context, root *FlowNode) (string, error)
}
