// Package redisq implements the named-queue broker contract on Redis: FIFO
// lists with optional delay, at-least-once delivery with server-side ack,
// per-job retry with exponential backoff, and atomic flow (DAG) submission
// where a parent is held in waiting-children until all children finish.
package redisq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
)

const keyPrefix = "aiseoq:"

func waitingKey(queue string) string   { return keyPrefix + queue + ":waiting" }
func activeKey(queue string) string    { return keyPrefix + queue + ":active" }
func delayedKey(queue string) string   { return keyPrefix + queue + ":delayed" }
func completedKey(queue string) string { return keyPrefix + queue + ":completed" }
func failedKey(queue string) string    { return keyPrefix + queue + ":failed" }
func leaseKey(queue string) string     { return keyPrefix + queue + ":lease" }
func jobKey(id string) string          { return keyPrefix + "job:" + id }

// Queue is the producer side of the broker.
type Queue struct {
	rdb *redis.Client
}

// New constructs a Queue on the shared Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func applyDefaults(opts domain.JobOptions) domain.JobOptions {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = domain.DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = domain.DefaultBackoffBase
	}
	return opts
}

// Enqueue submits a single job. A positive opts.Delay parks it in the delayed
// zset until the promoter moves it to waiting.
func (q *Queue) Enqueue(ctx domain.Context, queue, name string, payload map[string]any, opts domain.JobOptions) (string, error) {
	job, err := buildJob(queue, name, payload, opts, "")
	if err != nil {
		return "", err
	}
	pipe := q.rdb.TxPipeline()
	writeJobHash(ctx, pipe, job)
	if opts.Delay > 0 {
		pipe.HSet(ctx, jobKey(job.ID), "state", string(domain.JobDelayed))
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.LPush(ctx, waitingKey(queue), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	return job.ID, nil
}

// EnqueueFlow atomically enqueues a whole dependency tree. Leaves land in
// waiting; every node with children is held in waiting-children until its
// pending-children counter reaches zero. Either all nodes are enqueued or
// none.
func (q *Queue) EnqueueFlow(ctx domain.Context, root *domain.FlowNode) (string, error) {
	if root == nil {
		return "", fmt.Errorf("op=redisq.EnqueueFlow: %w: nil root", domain.ErrInvalidArgument)
	}
	pipe := q.rdb.TxPipeline()
	rootID, err := q.enqueueNode(ctx, pipe, root, "")
	if err != nil {
		return "", err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=redisq.EnqueueFlow: %w", err)
	}
	return rootID, nil
}

func (q *Queue) enqueueNode(ctx domain.Context, pipe redis.Pipeliner, node *domain.FlowNode, parentID string) (string, error) {
	job, err := buildJob(node.Queue, node.Name, node.Payload, node.Opts, parentID)
	if err != nil {
		return "", err
	}
	childIDs := make([]string, 0, len(node.Children))
	for _, child := range node.Children {
		childID, err := q.enqueueNode(ctx, pipe, child, job.ID)
		if err != nil {
			return "", err
		}
		childIDs = append(childIDs, childID)
	}
	job.ChildIDs = childIDs
	writeJobHash(ctx, pipe, job)
	if len(childIDs) > 0 {
		pipe.HSet(ctx, jobKey(job.ID),
			"state", string(domain.JobWaitingChildren),
			"pending", len(childIDs))
	} else {
		pipe.LPush(ctx, waitingKey(job.QueueName), job.ID)
	}
	return job.ID, nil
}

// GetJob loads the broker-side view of a job.
func (q *Queue) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisq.GetJob: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, fmt.Errorf("op=redisq.GetJob: %w", domain.ErrNotFound)
	}
	return jobFromHash(fields)
}

func buildJob(queue, name string, payload map[string]any, opts domain.JobOptions, parentID string) (domain.Job, error) {
	if queue == "" || name == "" {
		return domain.Job{}, fmt.Errorf("op=redisq.buildJob: %w: queue and name required", domain.ErrInvalidArgument)
	}
	opts = applyDefaults(opts)
	tenantID, _ := payload["tenantId"].(string)
	projectID, _ := payload["projectId"].(string)
	return domain.Job{
		ID:          uuid.New().String(),
		QueueName:   queue,
		Name:        name,
		TenantID:    tenantID,
		ProjectID:   projectID,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		TimeoutMs:   opts.TimeoutMs,
		State:       domain.JobWaiting,
		ParentID:    parentID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func writeJobHash(ctx domain.Context, pipe redis.Pipeliner, job domain.Job) {
	payload, _ := json.Marshal(job.Payload)
	children, _ := json.Marshal(job.ChildIDs)
	pipe.HSet(ctx, jobKey(job.ID),
		"id", job.ID,
		"queue", job.QueueName,
		"name", job.Name,
		"tenant", job.TenantID,
		"project", job.ProjectID,
		"payload", string(payload),
		"attempt", job.Attempt,
		"maxAttempts", job.MaxAttempts,
		"backoffMs", job.BackoffBase.Milliseconds(),
		"timeoutMs", job.TimeoutMs,
		"progress", job.Progress,
		"state", string(job.State),
		"parent", job.ParentID,
		"children", string(children),
		"createdAt", job.CreatedAt.UnixMilli(),
	)
}

func jobFromHash(fields map[string]string) (domain.Job, error) {
	var job domain.Job
	job.ID = fields["id"]
	job.QueueName = fields["queue"]
	job.Name = fields["name"]
	job.TenantID = fields["tenant"]
	job.ProjectID = fields["project"]
	job.ParentID = fields["parent"]
	job.State = domain.JobState(fields["state"])
	job.FailReason = fields["failReason"]
	if v := fields["payload"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("op=redisq.jobFromHash: payload: %w", err)
		}
	}
	if v := fields["children"]; v != "" {
		_ = json.Unmarshal([]byte(v), &job.ChildIDs)
	}
	job.Attempt = atoiDefault(fields["attempt"], 1)
	job.MaxAttempts = atoiDefault(fields["maxAttempts"], domain.DefaultMaxAttempts)
	job.Progress = atoiDefault(fields["progress"], 0)
	if ms := atoiDefault(fields["backoffMs"], 0); ms > 0 {
		job.BackoffBase = time.Duration(ms) * time.Millisecond
	}
	job.TimeoutMs = int64(atoiDefault(fields["timeoutMs"], 0))
	if ms := atoiDefault(fields["createdAt"], 0); ms > 0 {
		job.CreatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return job, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

var _ domain.Queue = (*Queue)(nil)
