package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forgelab/internal/domain"
	"forgelab/internal/ledger"
	"forgelab/internal/lifecycle"
	"forgelab/internal/provider"
)

const testUser = "b7e2f8f0-5f0f-4e21-8c9a-1d2e3f400001"

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type memJobRepo struct {
	jobs  map[string]*domain.Job
	clock *fakeClock
	// staleFor simulates a competing worker: the next Update for this job
	// id is rejected as stale.
	staleFor string
}

func newMemJobRepo(clock *fakeClock) *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*domain.Job), clock: clock}
}

func cloneJob(job *domain.Job) *domain.Job {
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	return &clone
}

func (f *memJobRepo) Create(_ context.Context, job *domain.Job) error {
	f.jobs[job.ID] = cloneJob(job)
	return nil
}

func (f *memJobRepo) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (f *memJobRepo) ListActive(_ context.Context, limit int) ([]*domain.Job, error) {
	var active []*domain.Job
	for _, job := range f.jobs {
		if !job.NormalizedStatus().IsTerminal() {
			active = append(active, cloneJob(job))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	if len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

func (f *memJobRepo) Update(_ context.Context, job *domain.Job, expectedStatus string) error {
	stored, ok := f.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if f.staleFor == job.ID {
		f.staleFor = ""
		return domain.ErrStaleJob
	}
	if string(stored.Status) != expectedStatus {
		return domain.ErrStaleJob
	}
	next := cloneJob(job)
	next.UpdatedAt = f.clock.Now()
	f.jobs[job.ID] = next
	return nil
}

func (f *memJobRepo) RaiseProgress(_ context.Context, jobID string, progress int) (bool, error) {
	stored, ok := f.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if progress <= stored.Progress {
		return false, nil
	}
	stored.Progress = progress
	stored.UpdatedAt = f.clock.Now()
	return true, nil
}

func (f *memJobRepo) Requeue(_ context.Context, job *domain.Job) error {
	return errors.New("not used in tick tests")
}

func (f *memJobRepo) Delete(_ context.Context, jobID string) error {
	delete(f.jobs, jobID)
	return nil
}

func (f *memJobRepo) CountOlderActive(_ context.Context, createdAt time.Time) (int, error) {
	return 0, nil
}

func (f *memJobRepo) CountActive(_ context.Context) (int, error) {
	n := 0
	for _, job := range f.jobs {
		if !job.NormalizedStatus().IsTerminal() {
			n++
		}
	}
	return n, nil
}

type memEventRepo struct {
	events []*domain.JobEvent
}

func (f *memEventRepo) Append(_ context.Context, event *domain.JobEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *memEventRepo) CountByTypeSince(_ context.Context, _ time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	for _, e := range f.events {
		counts[e.EventType]++
	}
	return counts, nil
}

type memLedgerRepo struct {
	balances map[string]int
	events   []*domain.TokenEvent
	keys     map[string]bool
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{balances: make(map[string]int), keys: make(map[string]bool)}
}

func (f *memLedgerRepo) Apply(_ context.Context, userID string, delta int, reason domain.TokenReason, source, key string) (*domain.TokenEvent, error) {
	if key != "" && f.keys[key] {
		return nil, domain.ErrDuplicateOperation
	}
	if f.balances[userID]+delta < 0 {
		return nil, domain.ErrInsufficientTokens
	}
	f.balances[userID] += delta
	if key != "" {
		f.keys[key] = true
	}
	event := &domain.TokenEvent{
		ID:           uuid.NewString(),
		UserID:       userID,
		Reason:       reason,
		Delta:        delta,
		BalanceAfter: f.balances[userID],
		Source:       source,
	}
	f.events = append(f.events, event)
	return event, nil
}

func (f *memLedgerRepo) Balance(_ context.Context, userID string) (int, error) {
	return f.balances[userID], nil
}

func (f *memLedgerRepo) SumDeltas(_ context.Context, userID string) (int, error) {
	sum := 0
	for _, e := range f.events {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (f *memLedgerRepo) GetByIdempotencyKey(_ context.Context, _ string) (*domain.TokenEvent, error) {
	return nil, domain.ErrNotFound
}

func (f *memLedgerRepo) FlowsSince(_ context.Context, _ time.Time) ([]domain.TokenFlow, error) {
	return nil, nil
}

type memQueue struct {
	enqueued []string
	delayed  []time.Duration
	acked    []string
	dead     []string
}

func (q *memQueue) Enqueue(_ context.Context, jobID string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) EnqueueDelayed(_ context.Context, jobID string, delay time.Duration) error {
	q.delayed = append(q.delayed, delay)
	return nil
}

func (q *memQueue) PromoteScheduled(_ context.Context) (int, error) { return 0, nil }

func (q *memQueue) Ack(_ context.Context, jobID string) error {
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *memQueue) Fail(_ context.Context, jobID string) error {
	q.dead = append(q.dead, jobID)
	return nil
}

func (q *memQueue) Depth(_ context.Context) (int64, error) { return 0, nil }

// flakyGateway fails submissions or polls with fixed errors.
type flakyGateway struct {
	createErr   error
	pollErr     error
	createCalls int
}

func (g *flakyGateway) Kind() string { return "mock" }

func (g *flakyGateway) Create(_ context.Context, _ *domain.Job) (string, error) {
	g.createCalls++
	if g.createErr != nil {
		return "", g.createErr
	}
	return fmt.Sprintf("flaky-%d", g.createCalls), nil
}

func (g *flakyGateway) Poll(_ context.Context, _ *domain.Job) (provider.Update, error) {
	if g.pollErr != nil {
		return provider.Update{}, g.pollErr
	}
	return provider.Update{Status: provider.StatusPending}, nil
}

// panicGateway exercises per-job panic isolation.
type panicGateway struct{}

func (g *panicGateway) Kind() string { return "mock" }

func (g *panicGateway) Create(_ context.Context, _ *domain.Job) (string, error) {
	panic("gateway exploded")
}

func (g *panicGateway) Poll(_ context.Context, _ *domain.Job) (provider.Update, error) {
	panic("gateway exploded")
}

type tickEnv struct {
	clock      *fakeClock
	jobs       *memJobRepo
	events     *memEventRepo
	ledgerRepo *memLedgerRepo
	tokens     *ledger.Service
	queue      *memQueue
	worker     *Worker
}

func newTickEnv(gateway provider.Gateway, cfg Config) *tickEnv {
	clock := &fakeClock{current: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)}
	jobs := newMemJobRepo(clock)
	events := &memEventRepo{}
	ledgerRepo := newMemLedgerRepo()
	ledgerRepo.balances[testUser] = 50
	tokens := ledger.NewService(ledgerRepo, 10, zerolog.Nop())
	q := &memQueue{}

	machine := lifecycle.NewMachine(jobs, events, zerolog.Nop())
	machine.SetNow(clock.Now)

	w := New(jobs, machine, tokens, map[string]provider.Gateway{"mock": gateway}, q, cfg, zerolog.Nop())
	w.SetNow(clock.Now)

	return &tickEnv{clock: clock, jobs: jobs, events: events, ledgerRepo: ledgerRepo, tokens: tokens, queue: q, worker: w}
}

func (env *tickEnv) createJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:        id,
		UserID:    testUser,
		Status:    domain.JobStatusQueued,
		Provider:  "mock",
		Mode:      domain.JobModeText,
		Prompt:    "a wooden rook",
		CreatedAt: env.clock.Now(),
		UpdatedAt: env.clock.Now(),
	}
	if err := env.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := env.tokens.Reserve(context.Background(), testUser, id, 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return job
}

func (env *tickEnv) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	job, err := env.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job.NormalizedStatus()
}

func defaultConfig() Config {
	return Config{Enabled: true, DefaultLimit: 25, RetryLimit: 3, RetryBackoff: time.Second}
}

func TestTickDrivesMockJobToCompletion(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	env := newTickEnv(mock, defaultConfig())
	mock.SetNow(env.clock.Now)
	env.createJob(t, "job-1")
	ctx := context.Background()

	// One transition per tick along the happy path.
	wantPath := []domain.JobStatus{
		domain.JobStatusRunning,
		domain.JobStatusProviderPending,
	}
	for _, want := range wantPath {
		result := env.worker.Tick(ctx, 0, "")
		if result.Advanced != 1 {
			t.Fatalf("advanced = %d on the way to %s", result.Advanced, want)
		}
		if got := env.status(t, "job-1"); got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	}

	env.clock.Advance(4 * time.Second)
	env.worker.Tick(ctx, 0, "")
	if got := env.status(t, "job-1"); got != domain.JobStatusProviderProcessing {
		t.Fatalf("status after 4s = %s, want provider_processing", got)
	}

	// Mid-flight poll only raises progress, no transition.
	env.clock.Advance(7 * time.Second)
	result := env.worker.Tick(ctx, 0, "")
	if result.Advanced != 1 || result.Completed != 0 {
		t.Fatalf("mid-flight tick = %+v", result)
	}
	job, _ := env.jobs.GetByID(ctx, "job-1")
	if job.Progress != 60 {
		t.Errorf("progress after 11s = %d, want 60", job.Progress)
	}

	// Past the final threshold: postprocessing, then completed.
	env.clock.Advance(8 * time.Second)
	env.worker.Tick(ctx, 0, "")
	if got := env.status(t, "job-1"); got != domain.JobStatusPostprocessing {
		t.Fatalf("status past threshold = %s, want postprocessing", got)
	}
	result = env.worker.Tick(ctx, 0, "")
	if result.Completed != 1 {
		t.Fatalf("final tick = %+v, want one completion", result)
	}

	job, _ = env.jobs.GetByID(ctx, "job-1")
	if job.NormalizedStatus() != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if job.CompletedAt == nil {
		t.Error("completed job must carry CompletedAt")
	}
	if job.Result == nil || job.Result.ModelURL != "https://cdn.example.com/default.glb" {
		t.Errorf("result = %+v, want default asset", job.Result)
	}
	if job.ProviderJobID != "mock-job-1" {
		t.Errorf("provider job id = %q", job.ProviderJobID)
	}

	// Completed job keeps the reservation: one spend, no refund.
	if balance := env.ledgerRepo.balances[testUser]; balance != 40 {
		t.Errorf("balance = %d, want 40", balance)
	}
	if len(env.queue.acked) != 1 {
		t.Errorf("queue acks = %d, want 1", len(env.queue.acked))
	}
}

func TestTickAfterCompletionIsIdempotent(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	env := newTickEnv(mock, defaultConfig())
	mock.SetNow(env.clock.Now)
	env.createJob(t, "job-1")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env.worker.Tick(ctx, 0, "")
		env.clock.Advance(3 * time.Second)
	}
	if got := env.status(t, "job-1"); got != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	ledgerEvents := len(env.ledgerRepo.events)
	acks := len(env.queue.acked)

	for i := 0; i < 3; i++ {
		result := env.worker.Tick(ctx, 0, "")
		if result.Processed != 0 {
			t.Fatalf("completed job re-entered the scan: %+v", result)
		}
	}
	if len(env.ledgerRepo.events) != ledgerEvents {
		t.Errorf("ledger events grew from %d to %d after completion", ledgerEvents, len(env.ledgerRepo.events))
	}
	if len(env.queue.acked) != acks {
		t.Errorf("queue acks grew after completion")
	}
}

func TestTickRetriesUntilLimitThenFails(t *testing.T) {
	gateway := &flakyGateway{createErr: &provider.Error{Code: "rate_limited", Message: "slow down", Retryable: true}}
	cfg := defaultConfig()
	cfg.RetryLimit = 2
	env := newTickEnv(gateway, cfg)
	env.createJob(t, "job-1")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		env.worker.Tick(ctx, 0, "")
		env.clock.Advance(5 * time.Second)
		if env.status(t, "job-1") == domain.JobStatusFailed {
			break
		}
	}

	job, _ := env.jobs.GetByID(ctx, "job-1")
	if job.NormalizedStatus() != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if gateway.createCalls != cfg.RetryLimit+1 {
		t.Errorf("submission attempts = %d, want %d", gateway.createCalls, cfg.RetryLimit+1)
	}
	if job.RetryCount != cfg.RetryLimit {
		t.Errorf("retry count = %d, want %d", job.RetryCount, cfg.RetryLimit)
	}
	if job.ErrorCode != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", job.ErrorCode)
	}
	if job.FailedAt == nil {
		t.Error("failed job must carry FailedAt")
	}

	// Reservation released exactly once.
	if balance := env.ledgerRepo.balances[testUser]; balance != 50 {
		t.Errorf("balance = %d, want 50 after refund", balance)
	}
	refunds := 0
	for _, e := range env.ledgerRepo.events {
		if e.Reason == domain.TokenReasonRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refunds = %d, want 1", refunds)
	}
	if len(env.queue.dead) != 1 {
		t.Errorf("dead-list entries = %d, want 1", len(env.queue.dead))
	}
	if len(env.queue.delayed) != cfg.RetryLimit {
		t.Errorf("delayed re-queues = %d, want %d", len(env.queue.delayed), cfg.RetryLimit)
	}
}

func TestRetryBackoffIsLinear(t *testing.T) {
	gateway := &flakyGateway{createErr: &provider.Error{Code: "overloaded", Message: "busy", Retryable: true}}
	env := newTickEnv(gateway, defaultConfig())
	env.createJob(t, "job-1")
	ctx := context.Background()

	env.worker.Tick(ctx, 0, "") // queued -> running
	env.worker.Tick(ctx, 0, "") // submission fails -> retrying
	if got := env.status(t, "job-1"); got != domain.JobStatusRetrying {
		t.Fatalf("status = %s, want retrying", got)
	}

	// Before the backoff elapses the job stays parked.
	result := env.worker.Tick(ctx, 0, "")
	if result.Advanced != 0 {
		t.Fatalf("retrying job advanced before its backoff: %+v", result)
	}

	env.clock.Advance(1100 * time.Millisecond)
	result = env.worker.Tick(ctx, 0, "")
	if result.Advanced != 1 {
		t.Fatalf("retrying job did not re-queue after backoff: %+v", result)
	}
	if got := env.status(t, "job-1"); got != domain.JobStatusQueued {
		t.Fatalf("status = %s, want queued", got)
	}

	if len(env.queue.delayed) != 1 || env.queue.delayed[0] != time.Second {
		t.Errorf("first retry delay = %v, want 1s", env.queue.delayed)
	}
}

func TestTickDoesNotResubmitPersistedProviderJob(t *testing.T) {
	// Any submission attempt would fail the job outright, so reaching
	// provider_pending proves the gateway was never consulted.
	gateway := &flakyGateway{createErr: &provider.Error{Code: "invalid_input", Message: "rejected", Retryable: false}}
	env := newTickEnv(gateway, defaultConfig())
	env.createJob(t, "job-1")
	ctx := context.Background()

	env.worker.Tick(ctx, 0, "") // queued -> running

	// A prior tick persisted the handle but lost the status update.
	env.jobs.jobs["job-1"].ProviderJobID = "flaky-9"

	result := env.worker.Tick(ctx, 0, "")
	if result.Advanced != 1 {
		t.Fatalf("result = %+v, want one advance", result)
	}
	if gateway.createCalls != 0 {
		t.Errorf("submission attempts = %d, want 0", gateway.createCalls)
	}
	job, _ := env.jobs.GetByID(ctx, "job-1")
	if job.NormalizedStatus() != domain.JobStatusProviderPending {
		t.Errorf("status = %s, want provider_pending", job.Status)
	}
	if job.ProviderJobID != "flaky-9" {
		t.Errorf("provider job id = %q, want the persisted handle", job.ProviderJobID)
	}
}

func TestRetryDiscardsOldProviderHandle(t *testing.T) {
	gateway := &flakyGateway{pollErr: &provider.Error{Code: "overloaded", Message: "busy", Retryable: true}}
	env := newTickEnv(gateway, defaultConfig())
	env.createJob(t, "job-1")
	ctx := context.Background()

	env.worker.Tick(ctx, 0, "") // queued -> running
	env.worker.Tick(ctx, 0, "") // submit -> provider_pending
	job, _ := env.jobs.GetByID(ctx, "job-1")
	if job.ProviderJobID != "flaky-1" {
		t.Fatalf("provider job id = %q, want flaky-1", job.ProviderJobID)
	}

	env.worker.Tick(ctx, 0, "") // poll fails -> retrying
	job, _ = env.jobs.GetByID(ctx, "job-1")
	if job.NormalizedStatus() != domain.JobStatusRetrying {
		t.Fatalf("status = %s, want retrying", job.Status)
	}
	if job.ProviderJobID != "" {
		t.Errorf("retrying job kept handle %q, want it cleared", job.ProviderJobID)
	}

	// The retried attempt resubmits and mints a fresh handle.
	env.clock.Advance(1100 * time.Millisecond)
	env.worker.Tick(ctx, 0, "") // retrying -> queued
	env.worker.Tick(ctx, 0, "") // queued -> running
	env.worker.Tick(ctx, 0, "") // resubmit -> provider_pending
	job, _ = env.jobs.GetByID(ctx, "job-1")
	if job.ProviderJobID != "flaky-2" {
		t.Errorf("provider job id = %q, want flaky-2", job.ProviderJobID)
	}
	if gateway.createCalls != 2 {
		t.Errorf("submission attempts = %d, want 2", gateway.createCalls)
	}
}

func TestTickDisabledValve(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	cfg := defaultConfig()
	cfg.Enabled = false
	env := newTickEnv(mock, cfg)
	env.createJob(t, "job-1")

	result := env.worker.Tick(context.Background(), 0, "")
	if result.Enabled {
		t.Error("disabled worker must report Enabled=false")
	}
	if result.Processed != 0 {
		t.Errorf("disabled worker processed %d jobs", result.Processed)
	}
	if got := env.status(t, "job-1"); got != domain.JobStatusQueued {
		t.Errorf("status = %s, want untouched queued", got)
	}
}

func TestTickIsolatesPanickingJob(t *testing.T) {
	env := newTickEnv(&panicGateway{}, defaultConfig())
	env.clock.Advance(time.Second)
	env.createJob(t, "job-bad")
	// A second gateway entry serves the healthy job.
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	mock.SetNow(env.clock.Now)
	env.worker.gateways["mock-ok"] = mock
	env.createJob(t, "job-good")
	env.jobs.jobs["job-good"].Provider = "mock-ok"

	// First tick only moves both jobs queued -> running; the gateway is hit
	// on the second.
	env.worker.Tick(context.Background(), 0, "")
	result := env.worker.Tick(context.Background(), 0, "")
	if result.Processed != 2 {
		t.Fatalf("processed = %d, want 2", result.Processed)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	if got := env.status(t, "job-good"); got != domain.JobStatusProviderPending {
		t.Errorf("healthy job status = %s, want provider_pending", got)
	}
}

func TestTickSingleJobFilter(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	env := newTickEnv(mock, defaultConfig())
	mock.SetNow(env.clock.Now)
	env.createJob(t, "job-1")
	env.clock.Advance(time.Second)
	env.createJob(t, "job-2")

	result := env.worker.Tick(context.Background(), 0, "job-2")
	if result.Processed != 1 || result.Advanced != 1 {
		t.Fatalf("result = %+v, want exactly one advance", result)
	}
	if got := env.status(t, "job-2"); got != domain.JobStatusRunning {
		t.Errorf("job-2 status = %s, want running", got)
	}
	if got := env.status(t, "job-1"); got != domain.JobStatusQueued {
		t.Errorf("job-1 status = %s, want untouched queued", got)
	}
}

func TestTickConcurrentAdvanceIsNotAnError(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	env := newTickEnv(mock, defaultConfig())
	mock.SetNow(env.clock.Now)
	env.createJob(t, "job-1")
	env.jobs.staleFor = "job-1"

	result := env.worker.Tick(context.Background(), 0, "")
	if result.Skipped != 0 {
		t.Errorf("lost CAS race counted as skipped: %+v", result)
	}
	if result.Advanced != 0 {
		t.Errorf("lost CAS race counted as advance: %+v", result)
	}
}

func TestTickLimitBoundsBatch(t *testing.T) {
	mock := provider.NewMock("https://cdn.example.com/default.glb")
	env := newTickEnv(mock, defaultConfig())
	mock.SetNow(env.clock.Now)
	for i := 0; i < 5; i++ {
		env.createJob(t, "job-"+string(rune('a'+i)))
		env.clock.Advance(time.Millisecond)
	}

	result := env.worker.Tick(context.Background(), 2, "")
	if result.Processed != 2 {
		t.Errorf("processed = %d, want 2", result.Processed)
	}
}
