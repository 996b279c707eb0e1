package domain

import "time"

// Job event types emitted by the orchestrator.
const (
	JobEventCreated    = "job_created"
	JobEventTransition = "job_transition"
	JobEventRetried    = "job_retried"
	JobEventCancelled  = "job_cancelled"
	JobEventDeleted    = "job_deleted"
)

// JobEvent is one best-effort audit record of a job transition. Writing it
// must never fail the operation it describes.
type JobEvent struct {
	ID           string
	JobID        string
	UserID       string
	EventType    string
	StatusBefore string
	StatusAfter  string
	Provider     string
	RequestID    string
	Payload      map[string]any
	CreatedAt    time.Time
}
