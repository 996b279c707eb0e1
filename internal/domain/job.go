package domain

import (
	"strings"
	"time"
)

// JobMode enumerates supported generation inputs.
type JobMode string

const (
	JobModeText  JobMode = "text"
	JobModeImage JobMode = "image"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued             JobStatus = "queued"
	JobStatusRunning            JobStatus = "running"
	JobStatusProviderPending    JobStatus = "provider_pending"
	JobStatusProviderProcessing JobStatus = "provider_processing"
	JobStatusPostprocessing     JobStatus = "postprocessing"
	JobStatusRetrying           JobStatus = "retrying"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCancelled          JobStatus = "cancelled"
)

// statusAliases maps raw values written by earlier schema revisions onto the
// canonical vocabulary. Lookups happen on every read so a stale row never
// leaks a non-canonical status into the lifecycle.
var statusAliases = map[string]JobStatus{
	"processing": JobStatusProviderProcessing,
	"pending":    JobStatusProviderPending,
	"succeeded":  JobStatusCompleted,
	"canceled":   JobStatusCancelled,
}

// NormalizeStatus returns the canonical status for a raw stored value.
func NormalizeStatus(raw string) JobStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := statusAliases[s]; ok {
		return alias
	}
	return JobStatus(s)
}

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses lists every status the worker scan considers in-flight.
// The legacy "processing" value is included so un-normalized rows are still
// picked up and corrected.
func ActiveStatuses() []string {
	return []string{
		string(JobStatusQueued),
		string(JobStatusRunning),
		string(JobStatusProviderPending),
		string(JobStatusProviderProcessing),
		string(JobStatusPostprocessing),
		string(JobStatusRetrying),
		"processing",
	}
}

// TerminalStatuses lists the states a job can no longer leave. The legacy
// aliases are included so un-normalized rows count as finished too.
func TerminalStatuses() []string {
	return []string{
		string(JobStatusCompleted),
		string(JobStatusFailed),
		string(JobStatusCancelled),
		"succeeded",
		"canceled",
	}
}

// JobResult is the payload of a finished generation.
type JobResult struct {
	ModelURL   string `json:"model_url"`
	PreviewURL string `json:"preview_url,omitempty"`
	Format     string `json:"format,omitempty"`
}

// Job encapsulates one generation request and its lifecycle record.
type Job struct {
	ID            string
	UserID        string
	Status        JobStatus
	Provider      string
	ProviderJobID string
	Mode          JobMode
	SourceType    string
	SourceURL     string
	Prompt        string
	Title         string
	Progress      int
	RetryCount    int
	ErrorCode     string
	ErrorMessage  string
	ErrorDetails  string
	Result        *JobResult
	Country       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// NormalizedStatus returns the canonical form of the stored status.
func (j *Job) NormalizedStatus() JobStatus {
	return NormalizeStatus(string(j.Status))
}
