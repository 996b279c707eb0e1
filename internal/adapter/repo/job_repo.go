package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"forgelab/internal/domain"
	"forgelab/internal/infra"
	"forgelab/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository over PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.UserID,
		string(job.Status),
		job.Provider,
		job.ProviderJobID,
		string(job.Mode),
		job.SourceType,
		job.SourceURL,
		job.Prompt,
		job.Title,
		job.Progress,
		job.RetryCount,
		job.Country,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListActive returns up to limit active jobs ordered by creation time, oldest
// first. The raw stored status is preserved; normalization happens in the
// state machine.
func (r *JobRepositoryPG) ListActive(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectActiveJobs, domain.ActiveStatuses(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update persists the job guarded by the status the caller last read.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job, expectedStatus string) error {
	var modelURL, previewURL, format string
	if job.Result != nil {
		modelURL = job.Result.ModelURL
		previewURL = job.Result.PreviewURL
		format = job.Result.Format
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateJob,
		job.ID,
		expectedStatus,
		string(job.Status),
		job.ProviderJobID,
		job.Progress,
		job.RetryCount,
		job.ErrorCode,
		job.ErrorMessage,
		job.ErrorDetails,
		modelURL,
		previewURL,
		format,
		job.StartedAt,
		job.CompletedAt,
		job.FailedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleJob
	}
	return nil
}

// RaiseProgress lifts progress monotonically; lower values are ignored.
func (r *JobRepositoryPG) RaiseProgress(ctx context.Context, jobID string, progress int) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QRaiseJobProgress, jobID, progress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Requeue re-enters a failed or queued job at the start of its lifecycle.
func (r *JobRepositoryPG) Requeue(ctx context.Context, job *domain.Job) error {
	allowed := []string{string(domain.JobStatusFailed), string(domain.JobStatusQueued)}
	tag, err := r.sql.Exec(ctx, sqlinline.QRequeueJob, job.ID, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotRetryable
	}
	return nil
}

// Delete removes a finished job row. The status guard makes the terminal-only
// rule hold even when the row advanced after the caller's read.
func (r *JobRepositoryPG) Delete(ctx context.Context, jobID string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QDeleteJob, jobID, domain.TerminalStatuses())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotDeletable
}

// CountOlderActive reports how many active jobs were created before the given
// time (queue position).
func (r *JobRepositoryPG) CountOlderActive(ctx context.Context, createdAt time.Time) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QCountOlderActiveJobs, domain.ActiveStatuses(), createdAt)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountActive reports the current queue depth.
func (r *JobRepositoryPG) CountActive(ctx context.Context) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QCountActiveJobs, domain.ActiveStatuses())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		mode      string
		modelURL  string
		preview   string
		format    string
		startedAt *time.Time
		doneAt    *time.Time
		failedAt  *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&status,
		&job.Provider,
		&job.ProviderJobID,
		&mode,
		&job.SourceType,
		&job.SourceURL,
		&job.Prompt,
		&job.Title,
		&job.Progress,
		&job.RetryCount,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.ErrorDetails,
		&modelURL,
		&preview,
		&format,
		&job.Country,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&doneAt,
		&failedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Mode = domain.JobMode(mode)
	job.StartedAt = startedAt
	job.CompletedAt = doneAt
	job.FailedAt = failedAt
	if modelURL != "" || preview != "" || format != "" {
		job.Result = &domain.JobResult{ModelURL: modelURL, PreviewURL: preview, Format: format}
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
