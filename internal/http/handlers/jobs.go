package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"forgelab/internal/domain"
	"forgelab/internal/lifecycle"
	"forgelab/internal/metrics"
	"forgelab/internal/middleware"
	"forgelab/internal/provider"
)

const maxPromptLength = 2000

type createJobRequest struct {
	Mode              string `json:"mode"`
	Prompt            string `json:"prompt"`
	SourceType        string `json:"source_type"`
	SourceURL         string `json:"source_url"`
	HasImageReference bool   `json:"has_image_reference"`
}

func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Mode == "" {
		req.Mode = string(domain.JobModeText)
	}
	mode := domain.JobMode(req.Mode)
	switch mode {
	case domain.JobModeText:
		if strings.TrimSpace(req.Prompt) == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "prompt required for text mode")
			return
		}
	case domain.JobModeImage:
		if strings.TrimSpace(req.SourceURL) == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "source_url required for image mode")
			return
		}
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "mode must be text or image")
		return
	}
	if len(req.Prompt) > maxPromptLength {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt too long")
		return
	}
	if req.HasImageReference && strings.TrimSpace(req.SourceURL) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "source_url required with an image reference")
		return
	}
	if req.SourceURL != "" && req.SourceType == "" {
		req.SourceType = "image"
	}

	ip := clientIP(r)
	decision, err := a.Quota.Enforce(r.Context(), "generate", userID, ip)
	if err != nil {
		// The counter store being down must not take job creation with it.
		a.Logger.Warn().Err(err).Msg("quota check unavailable, admitting request")
	} else if !decision.OK {
		a.rateLimited(w, decision)
		return
	}

	jobID := uuid.NewString()
	if _, err := a.Tokens.Reserve(r.Context(), userID, jobID, 0); err != nil {
		if errors.Is(err, domain.ErrInsufficientTokens) {
			a.error(w, http.StatusPaymentRequired, "insufficient_tokens", "token balance too low for a generation job")
			return
		}
		a.Logger.Error().Err(err).Msg("token reservation failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to reserve tokens")
		return
	}

	job := &domain.Job{
		ID:         jobID,
		UserID:     userID,
		Status:     domain.JobStatusQueued,
		Provider:   a.Cfg.ProviderName,
		Mode:       mode,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		Prompt:     req.Prompt,
		Title:      deriveTitle(req.Prompt, mode),
		Country:    a.lookupCountry(ip),
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("job insert failed")
		if rerr := a.Tokens.CancelReservation(r.Context(), userID, jobID, 0); rerr != nil {
			a.Logger.Error().Err(rerr).Str("job_id", jobID).Msg("reservation rollback failed")
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	a.appendEvent(r, job, domain.JobEventCreated, string(job.Status))
	if a.Queue != nil {
		if err := a.Queue.Enqueue(r.Context(), job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue enqueue failed")
		}
	}
	metrics.JobsCreated.Inc()

	a.json(w, http.StatusAccepted, a.jobView(r, job))
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, a.jobView(r, job))
}

// JobsRetry re-enters a failed job at the start of its lifecycle. The new
// attempt takes a fresh token reservation keyed by the failure cycle, so a
// double-submitted retry cannot double-charge.
func (a *App) JobsRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	status := job.NormalizedStatus()
	if status == domain.JobStatusQueued {
		// Already waiting; nothing to re-reserve.
		a.json(w, http.StatusOK, a.jobView(r, job))
		return
	}
	if status != domain.JobStatusFailed {
		a.error(w, http.StatusConflict, "not_retryable", "only failed jobs can be retried")
		return
	}

	cycle := int64(0)
	if job.FailedAt != nil {
		cycle = job.FailedAt.Unix()
	}
	reserved, err := a.Tokens.Reserve(r.Context(), job.UserID, job.ID, cycle)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientTokens) {
			a.error(w, http.StatusPaymentRequired, "insufficient_tokens", "token balance too low to retry")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("retry reservation failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to reserve tokens")
		return
	}
	if err := a.Jobs.Requeue(r.Context(), job); err != nil {
		// Roll back only a reservation this request created. A deduplicated
		// reserve belongs to the request that won the cycle; refunding it
		// here would strip the live job of its tokens.
		if reserved {
			if rerr := a.Tokens.CancelReservation(r.Context(), job.UserID, job.ID, cycle); rerr != nil {
				a.Logger.Error().Err(rerr).Str("job_id", job.ID).Msg("retry reservation rollback failed")
			}
		}
		if errors.Is(err, domain.ErrJobNotRetryable) {
			a.error(w, http.StatusConflict, "not_retryable", "job state changed, retry aborted")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to requeue job")
		return
	}

	a.appendEvent(r, job, domain.JobEventRetried, string(domain.JobStatusQueued))
	if a.Queue != nil {
		if err := a.Queue.Enqueue(r.Context(), job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue enqueue failed")
		}
	}

	fresh, err := a.Jobs.GetByID(r.Context(), job.ID)
	if err != nil {
		fresh = job
	}
	a.json(w, http.StatusOK, a.jobView(r, fresh))
}

// JobsCancel stops an active job and releases its reservation. Jobs already
// handed to the provider for final assembly keep running to completion.
func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	if job.NormalizedStatus().IsTerminal() {
		a.error(w, http.StatusConflict, "not_cancellable", "job already finished")
		return
	}

	err := a.Machine.Transition(r.Context(), job, domain.JobStatusCancelled, lifecycle.Options{
		EventType: domain.JobEventCancelled,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			a.error(w, http.StatusConflict, "not_cancellable", "job cannot be cancelled in its current state")
			return
		}
		if errors.Is(err, domain.ErrStaleJob) {
			a.error(w, http.StatusConflict, "conflict", "job state changed, cancel aborted")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}

	if err := a.Tokens.Release(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("release after cancel failed")
	}
	if a.Queue != nil {
		if err := a.Queue.Ack(r.Context(), job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue ack failed")
		}
	}
	metrics.JobsTerminal.WithLabelValues(string(domain.JobStatusCancelled)).Inc()

	a.json(w, http.StatusOK, a.jobView(r, job))
}

func (a *App) JobsDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	if !job.NormalizedStatus().IsTerminal() {
		a.error(w, http.StatusConflict, "not_deletable", "only finished jobs can be deleted")
		return
	}

	if err := a.Jobs.Delete(r.Context(), job.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if errors.Is(err, domain.ErrJobNotDeletable) {
			a.error(w, http.StatusConflict, "not_deletable", "job is still active")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("delete failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete job")
		return
	}
	a.appendEvent(r, job, domain.JobEventDeleted, string(job.Status))
	w.WriteHeader(http.StatusNoContent)
}

// loadJobForUser fetches the path job and enforces ownership. Foreign jobs
// read as missing so ids cannot be probed.
func (a *App) loadJobForUser(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, false
	}
	jobID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(jobID); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return nil, false
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return nil, false
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("job load failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return nil, false
	}
	if job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	return job, true
}

func (a *App) appendEvent(r *http.Request, job *domain.Job, eventType, statusAfter string) {
	event := &domain.JobEvent{
		JobID:       job.ID,
		UserID:      job.UserID,
		EventType:   eventType,
		StatusAfter: statusAfter,
		Provider:    job.Provider,
		RequestID:   middleware.RequestIDFromContext(r.Context()),
		Payload:     map[string]any{"mode": string(job.Mode)},
	}
	if err := a.Events.Append(r.Context(), event); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("job event append failed")
	}
}

func (a *App) lookupCountry(ip string) string {
	if a.Geo == nil {
		return ""
	}
	country, err := a.Geo.CountryCode(ip)
	if err != nil {
		return ""
	}
	return country
}

// jobView shapes one job for API responses. Active jobs additionally carry
// their queue position and a rough completion estimate.
func (a *App) jobView(r *http.Request, job *domain.Job) map[string]any {
	status := job.NormalizedStatus()
	view := map[string]any{
		"id":          job.ID,
		"status":      string(status),
		"mode":        string(job.Mode),
		"provider":    job.Provider,
		"prompt":      job.Prompt,
		"title":       job.Title,
		"progress":    job.Progress,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if job.SourceURL != "" {
		view["source_type"] = job.SourceType
		view["source_url"] = job.SourceURL
	}
	if job.Country != "" {
		view["country"] = job.Country
	}
	if job.StartedAt != nil {
		view["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	if job.FailedAt != nil {
		view["failed_at"] = job.FailedAt
	}
	if job.Result != nil {
		view["result"] = job.Result
	}
	if job.ErrorCode != "" {
		view["error"] = map[string]string{"code": job.ErrorCode, "message": job.ErrorMessage}
	}

	if !status.IsTerminal() {
		if position, err := a.Jobs.CountOlderActive(r.Context(), job.CreatedAt); err == nil {
			view["queue_position"] = position
			view["eta_seconds"] = a.estimateETA(job, position)
		}
		if depth, err := a.Jobs.CountActive(r.Context()); err == nil {
			view["queue_depth"] = depth
		}
	}
	return view
}

// estimateETA guesses seconds to completion: jobs ahead at the nominal
// duration each, plus this job's own remaining timeline when the mock
// provider drives it. External backends publish no schedule, so their own
// remainder is left out.
func (a *App) estimateETA(job *domain.Job, position int) int {
	if job.Provider != "mock" {
		return position * int(provider.MockDuration.Seconds())
	}
	remaining := provider.MockDuration - time.Since(job.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	return position*int(provider.MockDuration.Seconds()) + int(remaining.Seconds())
}
