package provider

import (
	"context"
	"testing"
	"time"

	"forgelab/internal/domain"
)

func mockJob(createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:        "job-1",
		Provider:  "mock",
		Status:    domain.JobStatusRunning,
		CreatedAt: createdAt,
	}
}

func TestMockTimelineProgression(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	mock := NewMock("/static/models/sample.glb")

	cases := []struct {
		elapsed      time.Duration
		wantStatus   Status
		wantProgress int
	}{
		{0, StatusPending, 5},
		{4 * time.Second, StatusProcessing, 15},
		{7 * time.Second, StatusProcessing, 35},
		{11 * time.Second, StatusProcessing, 60},
		{15 * time.Second, StatusProcessing, 85},
		{18 * time.Second, StatusCompleted, 100},
		{time.Hour, StatusCompleted, 100},
	}
	for _, tc := range cases {
		mock.SetNow(func() time.Time { return base.Add(tc.elapsed) })
		update, err := mock.Poll(context.Background(), mockJob(base))
		if err != nil {
			t.Fatalf("poll at %v: %v", tc.elapsed, err)
		}
		if update.Status != tc.wantStatus || update.Progress != tc.wantProgress {
			t.Errorf("at %v: got (%s, %d), want (%s, %d)",
				tc.elapsed, update.Status, update.Progress, tc.wantStatus, tc.wantProgress)
		}
	}
}

func TestMockPollIsIdempotent(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	mock := NewMock("/static/models/sample.glb")
	mock.SetNow(func() time.Time { return base.Add(30 * time.Second) })

	job := mockJob(base)
	first, err := mock.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := mock.Poll(context.Background(), job)
		if err != nil {
			t.Fatalf("repoll: %v", err)
		}
		if again != first && (again.Status != first.Status || again.Progress != first.Progress || *again.Result != *first.Result) {
			t.Fatalf("repoll diverged: %+v vs %+v", again, first)
		}
	}
}

func TestMockSynthesizesDefaultResult(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	mock := NewMock("/static/models/sample.glb")
	mock.SetNow(func() time.Time { return base.Add(time.Minute) })

	update, err := mock.Poll(context.Background(), mockJob(base))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Result == nil || update.Result.ModelURL != "/static/models/sample.glb" {
		t.Fatalf("result = %+v, want default asset fallback", update.Result)
	}
	if update.Result.Format != "glb" {
		t.Errorf("format = %q, want glb", update.Result.Format)
	}
}

func TestMockKeepsExistingResult(t *testing.T) {
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	mock := NewMock("/static/models/sample.glb")
	mock.SetNow(func() time.Time { return base.Add(time.Minute) })

	job := mockJob(base)
	job.Result = &domain.JobResult{ModelURL: "/static/models/custom.glb", Format: "glb"}

	update, err := mock.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if update.Result.ModelURL != "/static/models/custom.glb" {
		t.Errorf("existing result must be preserved, got %q", update.Result.ModelURL)
	}
}
