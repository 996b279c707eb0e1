// Package worker drives active jobs through the state machine. Each tick
// scans a batch of active jobs, advances every job by at most one transition
// using Provider Gateway observations, and settles the token reservation on
// terminal transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"forgelab/internal/domain"
	"forgelab/internal/ledger"
	"forgelab/internal/lifecycle"
	"forgelab/internal/metrics"
	"forgelab/internal/provider"
	"forgelab/internal/queue"
)

// TickResult is the outcome of one tick invocation.
type TickResult struct {
	Enabled    bool     `json:"enabled"`
	Processed  int      `json:"processed"`
	Advanced   int      `json:"advanced"`
	Completed  int      `json:"completed"`
	Skipped    int      `json:"skipped"`
	UpdatedIDs []string `json:"updated_ids"`
}

// Config tunes the tick loop.
type Config struct {
	// Enabled is the deployment safety valve: a disabled worker returns
	// immediately from every tick.
	Enabled bool
	// DefaultLimit bounds the batch when the caller passes no limit.
	DefaultLimit int
	// RetryLimit is the number of retryable failures tolerated before a job
	// fails for good.
	RetryLimit int
	// RetryBackoff is the linear backoff unit between retries.
	RetryBackoff time.Duration
}

// Worker advances jobs. Safe to run as multiple competing instances: row
// updates are guarded by the stored status and ledger settlement is
// idempotent per job.
type Worker struct {
	jobs     domain.JobRepository
	machine  *lifecycle.Machine
	ledger   *ledger.Service
	gateways map[string]provider.Gateway
	queue    queue.Queue // optional
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func New(jobs domain.JobRepository, machine *lifecycle.Machine, tokens *ledger.Service, gateways map[string]provider.Gateway, q queue.Queue, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 25
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Worker{
		jobs:     jobs,
		machine:  machine,
		ledger:   tokens,
		gateways: gateways,
		queue:    q,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (w *Worker) SetNow(now func() time.Time) {
	w.now = now
}

type stepOutcome struct {
	changed   bool
	completed bool
}

// Tick advances up to limit active jobs by one state step each, oldest first.
// jobID narrows the scan to one job. One job's failure never aborts the
// batch.
func (w *Worker) Tick(ctx context.Context, limit int, jobID string) TickResult {
	result := TickResult{Enabled: w.cfg.Enabled, UpdatedIDs: []string{}}
	if !w.cfg.Enabled {
		return result
	}

	metrics.Ticks.Inc()
	timer := prometheus.NewTimer(metrics.TickDuration)
	defer timer.ObserveDuration()

	if w.queue != nil {
		if _, err := w.queue.PromoteScheduled(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("worker: promote scheduled failed")
		}
	}

	if limit <= 0 {
		limit = w.cfg.DefaultLimit
	}

	jobs, err := w.selectJobs(ctx, limit, jobID)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: job scan failed")
		return result
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		result.Processed++
		outcome, err := w.stepSafely(ctx, job)
		if err != nil {
			result.Skipped++
			metrics.JobsProcessed.WithLabelValues("skipped").Inc()
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: job step failed")
			continue
		}
		if outcome.changed {
			result.Advanced++
			result.UpdatedIDs = append(result.UpdatedIDs, job.ID)
			metrics.JobsProcessed.WithLabelValues("advanced").Inc()
		} else {
			metrics.JobsProcessed.WithLabelValues("unchanged").Inc()
		}
		if outcome.completed {
			result.Completed++
		}
	}
	return result
}

func (w *Worker) selectJobs(ctx context.Context, limit int, jobID string) ([]*domain.Job, error) {
	if jobID == "" {
		return w.jobs.ListActive(ctx, limit)
	}
	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.NormalizedStatus().IsTerminal() {
		return nil, nil
	}
	return []*domain.Job{job}, nil
}

// stepSafely isolates one job: panics and errors are contained here.
func (w *Worker) stepSafely(ctx context.Context, job *domain.Job) (outcome stepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: panic advancing job %s: %v", job.ID, r)
		}
	}()
	return w.step(ctx, job)
}

// step advances one job by at most one transition.
func (w *Worker) step(ctx context.Context, job *domain.Job) (stepOutcome, error) {
	from := job.NormalizedStatus()
	if from.IsTerminal() {
		return stepOutcome{}, nil
	}

	gateway, ok := w.gateways[job.Provider]
	if !ok {
		cause := &provider.Error{
			Code:      "provider_unconfigured",
			Message:   fmt.Sprintf("provider %q not configured", job.Provider),
			Retryable: false,
		}
		return w.failOrRetry(ctx, job, from, cause)
	}

	switch from {
	case domain.JobStatusQueued:
		err := w.transition(ctx, job, domain.JobStatusRunning, lifecycle.Options{EventType: domain.JobEventTransition})
		return w.afterTransition(err)

	case domain.JobStatusRetrying:
		return w.stepRetrying(ctx, job)

	case domain.JobStatusRunning:
		// A handle on a running row means a prior tick submitted the job but
		// lost the status update; resubmitting would orphan a provider job.
		if job.ProviderJobID == "" {
			providerJobID, err := gateway.Create(ctx, job)
			if err != nil {
				return w.failOrRetry(ctx, job, from, err)
			}
			if err := w.attachProviderJob(ctx, job, providerJobID); err != nil {
				if errors.Is(err, errConcurrentAdvance) {
					w.logger.Warn().
						Str("job_id", job.ID).
						Str("provider_job_id", providerJobID).
						Msg("worker: submission lost to concurrent advance, provider job orphaned")
					return stepOutcome{}, nil
				}
				return stepOutcome{}, err
			}
		}
		progress := 10
		err := w.transition(ctx, job, domain.JobStatusProviderPending, lifecycle.Options{Progress: &progress})
		return w.afterTransition(err)

	case domain.JobStatusProviderPending, domain.JobStatusProviderProcessing, domain.JobStatusPostprocessing:
		update, err := gateway.Poll(ctx, job)
		if err != nil {
			return w.failOrRetry(ctx, job, from, err)
		}
		return w.applyUpdate(ctx, job, from, update)
	}

	return stepOutcome{}, fmt.Errorf("worker: job %s in unexpected status %q", job.ID, job.Status)
}

// attachProviderJob persists the provider handle on the running row before
// the status advances. A later lost transition then leaves the handle behind
// and the next tick picks the submission up instead of repeating it.
func (w *Worker) attachProviderJob(ctx context.Context, job *domain.Job, providerJobID string) error {
	updated := *job
	updated.ProviderJobID = providerJobID
	if err := w.jobs.Update(ctx, &updated, string(job.Status)); err != nil {
		if errors.Is(err, domain.ErrStaleJob) {
			return errConcurrentAdvance
		}
		return err
	}
	*job = updated
	return nil
}

// stepRetrying re-queues a retrying job once its linear backoff has elapsed.
func (w *Worker) stepRetrying(ctx context.Context, job *domain.Job) (stepOutcome, error) {
	if w.now().Before(job.UpdatedAt.Add(w.backoff(job.RetryCount))) {
		return stepOutcome{}, nil
	}
	err := w.transition(ctx, job, domain.JobStatusQueued, lifecycle.Options{EventType: domain.JobEventRetried})
	return w.afterTransition(err)
}

// applyUpdate maps a normalized provider observation onto the next legal
// transition for the job's current stage.
func (w *Worker) applyUpdate(ctx context.Context, job *domain.Job, from domain.JobStatus, update provider.Update) (stepOutcome, error) {
	switch update.Status {
	case provider.StatusPending:
		// Still waiting on the provider; lift progress if it moved.
		return w.raiseProgress(ctx, job, update.Progress)

	case provider.StatusProcessing:
		if from == domain.JobStatusProviderPending {
			err := w.transition(ctx, job, domain.JobStatusProviderProcessing, lifecycle.Options{Progress: &update.Progress})
			return w.afterTransition(err)
		}
		return w.raiseProgress(ctx, job, update.Progress)

	case provider.StatusCompleted:
		if update.Result == nil || update.Result.ModelURL == "" {
			cause := &provider.Error{
				Code:      "provider_empty_result",
				Message:   "provider reported completion without a model url",
				Retryable: false,
			}
			return w.failOrRetry(ctx, job, from, cause)
		}
		switch from {
		case domain.JobStatusProviderPending:
			err := w.transition(ctx, job, domain.JobStatusProviderProcessing, lifecycle.Options{Progress: &update.Progress})
			return w.afterTransition(err)
		case domain.JobStatusProviderProcessing:
			err := w.transition(ctx, job, domain.JobStatusPostprocessing, lifecycle.Options{
				Progress: &update.Progress,
				Result:   update.Result,
			})
			return w.afterTransition(err)
		default: // postprocessing
			return w.complete(ctx, job, update.Result)
		}

	case provider.StatusFailed:
		return w.failOrRetry(ctx, job, from, provider.ClassifyReported(update.ErrorCode, update.ErrorMessage))
	}

	return stepOutcome{}, fmt.Errorf("worker: job %s: unexpected provider status %q", job.ID, update.Status)
}

func (w *Worker) raiseProgress(ctx context.Context, job *domain.Job, progress int) (stepOutcome, error) {
	if progress <= job.Progress {
		return stepOutcome{}, nil
	}
	changed, err := w.jobs.RaiseProgress(ctx, job.ID, progress)
	if err != nil {
		return stepOutcome{}, err
	}
	if changed && progress > job.Progress {
		job.Progress = progress
	}
	return stepOutcome{changed: changed}, nil
}

// complete drives the terminal happy path: one transition into completed,
// then exactly-once ledger finalization and queue acknowledgement.
func (w *Worker) complete(ctx context.Context, job *domain.Job, result *domain.JobResult) (stepOutcome, error) {
	err := w.transition(ctx, job, domain.JobStatusCompleted, lifecycle.Options{Result: result})
	if err != nil {
		if err == errConcurrentAdvance {
			return stepOutcome{}, nil
		}
		return stepOutcome{}, err
	}

	w.settleLedger(ctx, job, w.ledger.Finalize)
	if w.queue != nil {
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: queue ack failed")
		}
	}
	metrics.JobsTerminal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
	w.logger.Info().Str("job_id", job.ID).Msg("worker: job completed")
	return stepOutcome{changed: true, completed: true}, nil
}

// failOrRetry handles a provider failure: transient errors re-enter the
// retry path until the limit is exhausted, everything else fails the job and
// releases the reservation.
func (w *Worker) failOrRetry(ctx context.Context, job *domain.Job, from domain.JobStatus, cause error) (stepOutcome, error) {
	code, message := errorCodeMessage(cause)

	if provider.Retryable(cause) && job.RetryCount < w.cfg.RetryLimit && lifecycle.Legal(from, domain.JobStatusRetrying) {
		err := w.transition(ctx, job, domain.JobStatusRetrying, lifecycle.Options{
			IncrementRetry: true,
			ErrorCode:      code,
			ErrorMessage:   message,
		})
		if err != nil {
			if err == errConcurrentAdvance {
				return stepOutcome{}, nil
			}
			return stepOutcome{}, err
		}
		if w.queue != nil {
			if err := w.queue.EnqueueDelayed(ctx, job.ID, w.backoff(job.RetryCount)); err != nil {
				w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: retry schedule failed")
			}
		}
		w.logger.Info().
			Str("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Str("cause", message).
			Msg("worker: job retrying")
		return stepOutcome{changed: true}, nil
	}

	err := w.transition(ctx, job, domain.JobStatusFailed, lifecycle.Options{
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil {
		if err == errConcurrentAdvance {
			return stepOutcome{}, nil
		}
		return stepOutcome{}, err
	}

	w.settleLedger(ctx, job, w.ledger.Release)
	if w.queue != nil {
		if err := w.queue.Fail(ctx, job.ID); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: queue fail-mark failed")
		}
	}
	metrics.JobsTerminal.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	w.logger.Warn().Str("job_id", job.ID).Str("cause", message).Msg("worker: job failed")
	return stepOutcome{changed: true}, nil
}

// settleLedger runs a money-path operation. Unlike the audit trail this is
// not best-effort: a failure is retried once and then alerted at error level.
func (w *Worker) settleLedger(ctx context.Context, job *domain.Job, op func(context.Context, *domain.Job) error) {
	err := op(ctx, job)
	if err == nil {
		return
	}
	w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: ledger settlement failed, retrying")
	if err = op(ctx, job); err != nil {
		w.logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("user_id", job.UserID).
			Msg("worker: ledger settlement failed after retry, manual reconciliation required")
	}
}

// errConcurrentAdvance marks a transition lost to a competing worker. The
// job is left alone; whoever won the row carries it forward.
var errConcurrentAdvance = errors.New("worker: concurrent advance")

func (w *Worker) transition(ctx context.Context, job *domain.Job, to domain.JobStatus, opts lifecycle.Options) error {
	if err := w.machine.Transition(ctx, job, to, opts); err != nil {
		if errors.Is(err, domain.ErrStaleJob) {
			return errConcurrentAdvance
		}
		return err
	}
	return nil
}

func (w *Worker) afterTransition(err error) (stepOutcome, error) {
	if err != nil {
		if errors.Is(err, errConcurrentAdvance) {
			return stepOutcome{}, nil
		}
		return stepOutcome{}, err
	}
	return stepOutcome{changed: true}, nil
}

func (w *Worker) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return w.cfg.RetryBackoff * time.Duration(retryCount)
}

func errorCodeMessage(err error) (string, string) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		code := perr.Code
		if code == "" {
			code = "provider_error"
		}
		return code, perr.Message
	}
	return "provider_error", err.Error()
}

// Run invokes Tick on an interval until the context is cancelled. Used by
// the standalone worker process.
func (w *Worker) Run(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result := w.Tick(ctx, limit, "")
			if result.Processed > 0 {
				w.logger.Info().
					Int("processed", result.Processed).
					Int("advanced", result.Advanced).
					Int("completed", result.Completed).
					Int("skipped", result.Skipped).
					Msg("worker: tick")
			}
		}
	}
}
