// Package queue tracks in-flight job ids in Redis: a ready list, a scheduled
// set for delayed retries, and a dead list for terminal failures. The job
// store stays the source of truth; the queue only coordinates wake-ups across
// worker instances.
package queue

import (
	"context"
	"time"
)

// Queue is the coordination surface the worker uses.
type Queue interface {
	// Enqueue marks a job ready for processing.
	Enqueue(ctx context.Context, jobID string) error
	// EnqueueDelayed schedules a job to become ready after the delay
	// (retry backoff).
	EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error
	// PromoteScheduled moves due scheduled jobs to the ready list.
	PromoteScheduled(ctx context.Context) (int, error)
	// Ack removes a completed job from the queue.
	Ack(ctx context.Context, jobID string) error
	// Fail removes a job from the queue and parks it on the dead list.
	Fail(ctx context.Context, jobID string) error
	// Depth reports the ready list length.
	Depth(ctx context.Context) (int64, error)
}
