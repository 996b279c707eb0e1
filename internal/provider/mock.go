package provider

import (
	"context"
	"time"

	"forgelab/internal/domain"
)

// mockPhase maps an elapsed-time bucket onto a target progress and status.
type mockPhase struct {
	after    time.Duration
	progress int
	status   Status
}

// MockDuration is the wall-clock span of a full mock generation, used for
// queue ETA estimates.
const MockDuration = 18 * time.Second

// mockTimeline is fixed: progress derives purely from wall-clock time since
// job creation, so re-polling is idempotent and convergent.
var mockTimeline = []mockPhase{
	{0, 5, StatusPending},
	{3 * time.Second, 15, StatusProcessing},
	{6 * time.Second, 35, StatusProcessing},
	{10 * time.Second, 60, StatusProcessing},
	{14 * time.Second, 85, StatusProcessing},
	{MockDuration, 100, StatusCompleted},
}

// Mock simulates a generation backend using the fixed timeline. Used in
// development and as the deterministic backend for tests.
type Mock struct {
	defaultModelURL string
	now             func() time.Time
}

func NewMock(defaultModelURL string) *Mock {
	return &Mock{defaultModelURL: defaultModelURL, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (m *Mock) SetNow(now func() time.Time) {
	m.now = now
}

func (m *Mock) Kind() string {
	return "mock"
}

func (m *Mock) Create(_ context.Context, job *domain.Job) (string, error) {
	return "mock-" + job.ID, nil
}

func (m *Mock) Poll(_ context.Context, job *domain.Job) (Update, error) {
	elapsed := m.now().Sub(job.CreatedAt)
	phase := mockTimeline[0]
	for _, p := range mockTimeline {
		if elapsed >= p.after {
			phase = p
		}
	}

	update := Update{
		Status:        phase.status,
		Progress:      phase.progress,
		ProviderJobID: job.ProviderJobID,
	}
	if phase.status == StatusCompleted {
		update.Result = m.synthesizeResult(job)
	}
	return update, nil
}

// synthesizeResult falls back to the default asset when the job has no result
// of its own, so a finished mock job always carries a non-empty model URL.
func (m *Mock) synthesizeResult(job *domain.Job) *domain.JobResult {
	if job.Result != nil && job.Result.ModelURL != "" {
		return job.Result
	}
	return &domain.JobResult{
		ModelURL:   m.defaultModelURL,
		PreviewURL: m.defaultModelURL + ".png",
		Format:     "glb",
	}
}

var _ Gateway = (*Mock)(nil)
