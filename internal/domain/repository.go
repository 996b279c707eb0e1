package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job records. Updates are optimistic,
// one row at a time: Update only applies when the stored status still matches
// the caller's expectation.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// ListActive returns up to limit active jobs, oldest first.
	ListActive(ctx context.Context, limit int) ([]*Job, error)
	// Update persists the job guarded by its previously read raw status.
	// Returns ErrStaleJob when another writer got there first.
	Update(ctx context.Context, job *Job, expectedStatus string) error
	// RaiseProgress lifts progress to the given value if it is higher than
	// the stored one. Reports whether a row changed.
	RaiseProgress(ctx context.Context, jobID string, progress int) (bool, error)
	// Requeue re-enters a job at the start of its lifecycle (retry path).
	Requeue(ctx context.Context, job *Job) error
	Delete(ctx context.Context, jobID string) error
	CountOlderActive(ctx context.Context, createdAt time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
}

// TokenLedgerRepository is the append-only token accounting store. Apply is
// the single atomic read-modify-write against the user's materialized balance
// row; it returns ErrInsufficientTokens when the delta would take the balance
// below zero and ErrDuplicateOperation when the idempotency key was already
// used.
type TokenLedgerRepository interface {
	Apply(ctx context.Context, userID string, delta int, reason TokenReason, source, idempotencyKey string) (*TokenEvent, error)
	Balance(ctx context.Context, userID string) (int, error)
	SumDeltas(ctx context.Context, userID string) (int, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*TokenEvent, error)
	FlowsSince(ctx context.Context, since time.Time) ([]TokenFlow, error)
}

// JobEventRepository is the write-only audit trail.
type JobEventRepository interface {
	Append(ctx context.Context, event *JobEvent) error
	CountByTypeSince(ctx context.Context, since time.Time) (map[string]int, error)
}
