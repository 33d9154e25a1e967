package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
)

// leaseDuration bounds how long a fetched job may sit in the active list
// without an ack before the reclaim sweep hands it back to the waiting list.
// A worker that dies between fetch and ack loses its lease and the job is
// re-delivered, keeping delivery at-least-once under process death.
const leaseDuration = 60 * time.Second

// Consumer is the worker side of the broker for one named queue: blocking
// fetch into the active list (server-side ack on Complete/Fail), delayed-job
// promotion, stalled-job reclaim, and progress updates.
type Consumer struct {
	rdb   *redis.Client
	queue string
}

// NewConsumer constructs a Consumer for one named queue.
func NewConsumer(rdb *redis.Client, queue string) *Consumer {
	return &Consumer{rdb: rdb, queue: queue}
}

// QueueName returns the queue this consumer serves.
func (c *Consumer) QueueName() string { return c.queue }

// Fetch blocks up to timeout for the next waiting job and moves it to the
// active list under a lease. Returns domain.ErrNotFound when the wait times
// out.
func (c *Consumer) Fetch(ctx context.Context, timeout time.Duration) (domain.Job, error) {
	id, err := c.rdb.BLMove(ctx, waitingKey(c.queue), activeKey(c.queue), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, fmt.Errorf("op=redisq.Fetch: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=redisq.Fetch: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "state", string(domain.JobActive))
	pipe.ZAdd(ctx, leaseKey(c.queue), redis.Z{
		Score:  float64(time.Now().Add(leaseDuration).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=redisq.Fetch: mark active: %w", err)
	}
	fields, err := c.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisq.Fetch: load: %w", err)
	}
	job, err := jobFromHash(fields)
	if err != nil {
		return domain.Job{}, err
	}
	job.State = domain.JobActive
	return job, nil
}

// Complete acks the job as completed, stores its result, and promotes the
// parent when this was its last pending child.
func (c *Consumer) Complete(ctx context.Context, jobID string, result map[string]any) error {
	body, _ := json.Marshal(result)
	_, err := completeScript.Run(ctx, c.rdb,
		[]string{activeKey(c.queue), completedKey(c.queue), leaseKey(c.queue)},
		jobID, time.Now().UnixMilli(), domain.KeepCompletedJobs, keyPrefix, string(body),
	).Result()
	if err != nil {
		return fmt.Errorf("op=redisq.Complete: %w", err)
	}
	return nil
}

// Fail acks a failed attempt. It returns willRetry=true with the scheduled
// backoff when the job re-enters the delayed set, and false when the failure
// is terminal (which also fails the parent and cancels waiting siblings).
func (c *Consumer) Fail(ctx context.Context, jobID string, cause error) (willRetry bool, delay time.Duration, err error) {
	return c.fail(ctx, jobID, cause, false)
}

func (c *Consumer) fail(ctx context.Context, jobID string, cause error, force bool) (willRetry bool, delay time.Duration, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	res, err := failScript.Run(ctx, c.rdb,
		[]string{activeKey(c.queue), delayedKey(c.queue), failedKey(c.queue), leaseKey(c.queue)},
		jobID, time.Now().UnixMilli(), msg, domain.KeepFailedJobs, keyPrefix, forceFlag,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=redisq.Fail: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("op=redisq.Fail: unexpected script result %v", res)
	}
	if n, ok := vals[0].(int64); ok && n == 1 {
		if ms, ok := vals[1].(int64); ok {
			delay = time.Duration(ms) * time.Millisecond
		}
		return true, delay, nil
	}
	return false, 0, nil
}

// FailPermanently marks the job terminal regardless of remaining attempts.
// Used for faults that are unambiguously deterministic (missing tenant,
// unregistered agent, quota exceeded).
func (c *Consumer) FailPermanently(ctx context.Context, jobID string, cause error) error {
	_, _, err := c.fail(ctx, jobID, cause, true)
	return err
}

// Requeue returns a fetched job to the waiting list unprocessed. Used by the
// skip-job-names filter so another worker on the same queue picks it up.
func (c *Consumer) Requeue(ctx context.Context, jobID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(c.queue), 1, jobID)
	pipe.ZRem(ctx, leaseKey(c.queue), jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", string(domain.JobWaiting))
	pipe.LPush(ctx, waitingKey(c.queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.Requeue: %w", err)
	}
	return nil
}

// UpdateProgress sets the job's progress (0..100) on the broker.
func (c *Consumer) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := c.rdb.HSet(ctx, jobKey(jobID), "progress", progress).Err(); err != nil {
		return fmt.Errorf("op=redisq.UpdateProgress: %w", err)
	}
	return nil
}

// RunPromoter moves due delayed jobs back to waiting and reclaims
// lease-expired active jobs every interval until ctx is cancelled. One
// promoter per queue per worker process is enough; both scripts are
// idempotent so concurrent promoters across processes are safe.
func (c *Consumer) RunPromoter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if _, err := promoteScript.Run(ctx, c.rdb,
				[]string{delayedKey(c.queue), waitingKey(c.queue)},
				now, 128, keyPrefix,
			).Result(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("delayed job promotion failed",
					slog.String("queue", c.queue),
					slog.Any("error", err))
			}
			if _, err := reclaimScript.Run(ctx, c.rdb,
				[]string{leaseKey(c.queue), activeKey(c.queue), waitingKey(c.queue)},
				now, 128, keyPrefix,
			).Result(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("stalled job reclaim failed",
					slog.String("queue", c.queue),
					slog.Any("error", err))
			}
		}
	}
}
