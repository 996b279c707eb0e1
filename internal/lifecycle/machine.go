// Package lifecycle holds the job state machine: the single legal path a job
// may take from creation to terminal state, with its transition side effects.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forgelab/internal/domain"
)

// transitions is the full legality table. Statuses absent from the map are
// terminal.
var transitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusQueued: {
		domain.JobStatusRunning,
		domain.JobStatusCancelled,
		domain.JobStatusFailed,
	},
	domain.JobStatusRunning: {
		domain.JobStatusProviderPending,
		domain.JobStatusProviderProcessing,
		domain.JobStatusFailed,
		domain.JobStatusRetrying,
	},
	domain.JobStatusProviderPending: {
		domain.JobStatusProviderProcessing,
		domain.JobStatusFailed,
		domain.JobStatusRetrying,
		domain.JobStatusCancelled,
	},
	domain.JobStatusProviderProcessing: {
		domain.JobStatusPostprocessing,
		domain.JobStatusFailed,
		domain.JobStatusRetrying,
		domain.JobStatusCancelled,
	},
	domain.JobStatusPostprocessing: {
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		domain.JobStatusRetrying,
	},
	domain.JobStatusRetrying: {
		domain.JobStatusQueued,
		domain.JobStatusRunning,
		domain.JobStatusFailed,
	},
}

// Legal reports whether from -> to appears in the transition table.
func Legal(from, to domain.JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Options carries the side-effect inputs of a transition.
type Options struct {
	// Progress, when set, is clamped to [0,100] and only ever raises the
	// stored value.
	Progress       *int
	ProviderJobID  string
	Result         *domain.JobResult
	ErrorCode      string
	ErrorMessage   string
	ErrorDetails   string
	IncrementRetry bool
	EventType      string
	RequestID      string
	Payload        map[string]any
}

// Machine applies guarded transitions to job records and appends the audit
// trail. It holds no state of its own; all persistence goes through the
// repositories.
type Machine struct {
	jobs   domain.JobRepository
	events domain.JobEventRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewMachine(jobs domain.JobRepository, events domain.JobEventRepository, logger zerolog.Logger) *Machine {
	return &Machine{jobs: jobs, events: events, logger: logger, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (m *Machine) SetNow(now func() time.Time) {
	m.now = now
}

// Transition moves the job to the target status, applying side effects and
// persisting the row guarded by the status the caller last read. The job is
// mutated in place on success. Requesting the current status is a no-op,
// except that a raw stored value differing from its normalized form is
// corrected in the store without re-entering side effects.
func (m *Machine) Transition(ctx context.Context, job *domain.Job, to domain.JobStatus, opts Options) error {
	raw := string(job.Status)
	from := domain.NormalizeStatus(raw)
	to = domain.NormalizeStatus(string(to))

	if from == to {
		if raw == string(from) {
			return nil
		}
		// Defensive normalization: correct the stored raw value only.
		corrected := *job
		corrected.Status = from
		if err := m.jobs.Update(ctx, &corrected, raw); err != nil {
			return err
		}
		job.Status = from
		return nil
	}

	if !Legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}

	now := m.now().UTC()
	updated := *job
	updated.Status = to

	if opts.Progress != nil {
		p := *opts.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p > updated.Progress {
			updated.Progress = p
		}
	}
	if opts.ProviderJobID != "" {
		updated.ProviderJobID = opts.ProviderJobID
	}
	if opts.Result != nil {
		updated.Result = opts.Result
	}
	if opts.ErrorCode != "" {
		updated.ErrorCode = opts.ErrorCode
	}
	if opts.ErrorMessage != "" {
		updated.ErrorMessage = opts.ErrorMessage
	}
	if opts.ErrorDetails != "" {
		updated.ErrorDetails = opts.ErrorDetails
	}
	if opts.IncrementRetry {
		updated.RetryCount++
	}

	switch to {
	case domain.JobStatusRunning, domain.JobStatusProviderProcessing:
		if updated.StartedAt == nil {
			updated.StartedAt = &now
		}
	case domain.JobStatusRetrying:
		// The failed attempt's provider handle is abandoned; the retry
		// resubmits and mints a fresh one.
		updated.ProviderJobID = ""
	case domain.JobStatusCompleted:
		updated.Progress = 100
		if updated.CompletedAt == nil {
			updated.CompletedAt = &now
		}
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		if updated.FailedAt == nil {
			updated.FailedAt = &now
		}
	}

	if err := m.jobs.Update(ctx, &updated, raw); err != nil {
		return err
	}
	*job = updated

	m.appendEvent(ctx, job, from, to, opts)
	return nil
}

// appendEvent writes the audit record for a committed transition. Its failure
// is logged and swallowed; it must never roll back the transition.
func (m *Machine) appendEvent(ctx context.Context, job *domain.Job, from, to domain.JobStatus, opts Options) {
	eventType := opts.EventType
	if eventType == "" {
		eventType = domain.JobEventTransition
	}
	payload := map[string]any{
		"progress":    job.Progress,
		"retry_count": job.RetryCount,
	}
	for k, v := range opts.Payload {
		payload[k] = v
	}
	if job.ErrorMessage != "" && (to == domain.JobStatusFailed || to == domain.JobStatusRetrying) {
		payload["error_message"] = job.ErrorMessage
	}
	event := &domain.JobEvent{
		JobID:        job.ID,
		UserID:       job.UserID,
		EventType:    eventType,
		StatusBefore: string(from),
		StatusAfter:  string(to),
		Provider:     job.Provider,
		RequestID:    opts.RequestID,
		Payload:      payload,
	}
	if err := m.events.Append(ctx, event); err != nil {
		m.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("status_after", string(to)).
			Msg("lifecycle: job event append failed")
	}
}
