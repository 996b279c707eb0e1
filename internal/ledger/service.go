// Package ledger implements token accounting on top of the append-only
// ledger repository: pessimistic reservation at job creation, exactly-once
// finalize/release on terminal transitions, and the administrative
// topup/adjust entry points.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forgelab/internal/domain"
)

// Service wraps the ledger repository with the job billing protocol. Cost is
// the flat token price of one generation job.
type Service struct {
	repo   domain.TokenLedgerRepository
	cost   int
	logger zerolog.Logger
}

func NewService(repo domain.TokenLedgerRepository, cost int, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cost: cost, logger: logger}
}

// Cost returns the flat per-job token price.
func (s *Service) Cost() int {
	return s.cost
}

func reserveKey(jobID string, cycle int64) string {
	if cycle == 0 {
		return "spend:job:" + jobID
	}
	return fmt.Sprintf("spend:job:%s:r%d", jobID, cycle)
}

func releaseKey(job *domain.Job) string {
	if job.FailedAt == nil {
		return "refund:job:" + job.ID
	}
	return fmt.Sprintf("refund:job:%s:r%d", job.ID, job.FailedAt.Unix())
}

// Reserve debits the job cost up front. Cycle is zero at creation; retries
// pass the failure timestamp so each reservation cycle carries its own
// idempotency key. The created flag reports whether this call wrote the
// reservation: a deduplicated caller does not own it and must never cancel
// it back.
func (s *Service) Reserve(ctx context.Context, userID, jobID string, cycle int64) (created bool, err error) {
	_, err = s.repo.Apply(ctx, userID, -s.cost, domain.TokenReasonSpend, "job:"+jobID, reserveKey(jobID, cycle))
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			s.logger.Warn().Str("job_id", jobID).Msg("ledger: reservation already taken")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Finalize confirms the reservation after a completed job. The debit already
// happened at reservation time, so there is no balance movement; this is the
// authorization point after which Release must never credit the job back.
func (s *Service) Finalize(ctx context.Context, job *domain.Job) error {
	if job.NormalizedStatus() != domain.JobStatusCompleted {
		return fmt.Errorf("ledger: finalize on non-completed job %s (%s)", job.ID, job.Status)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("tokens", s.cost).
		Msg("ledger: reservation finalized")
	return nil
}

// Release credits the reserved tokens back after a failed or cancelled job.
// Idempotent per failure cycle: a re-observed terminal job is a no-op.
func (s *Service) Release(ctx context.Context, job *domain.Job) error {
	status := job.NormalizedStatus()
	if status != domain.JobStatusFailed && status != domain.JobStatusCancelled {
		return fmt.Errorf("ledger: release on non-failed job %s (%s)", job.ID, job.Status)
	}
	_, err := s.repo.Apply(ctx, job.UserID, s.cost, domain.TokenReasonRefund, "job:"+job.ID, releaseKey(job))
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			return nil
		}
		return err
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("tokens", s.cost).
		Msg("ledger: reservation released")
	return nil
}

// CancelReservation refunds a reservation whose job never made it into the
// pipeline (the insert after the debit failed, or a retry re-entry was lost
// to a concurrent writer). Idempotent per cycle.
func (s *Service) CancelReservation(ctx context.Context, userID, jobID string, cycle int64) error {
	_, err := s.repo.Apply(ctx, userID, s.cost, domain.TokenReasonRefund, "job:"+jobID, "cancel:"+reserveKey(jobID, cycle))
	if errors.Is(err, domain.ErrDuplicateOperation) {
		return nil
	}
	return err
}

// Topup credits tokens from a billing source.
func (s *Service) Topup(ctx context.Context, userID string, amount int, source string) (*domain.TokenEvent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: topup amount must be positive", domain.ErrInvalidInput)
	}
	return s.repo.Apply(ctx, userID, amount, domain.TokenReasonTopup, source, "")
}

// Adjust moves the balance by an arbitrary signed delta (operator use).
func (s *Service) Adjust(ctx context.Context, userID string, delta int, source string) (*domain.TokenEvent, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjust delta must be non-zero", domain.ErrInvalidInput)
	}
	return s.repo.Apply(ctx, userID, delta, domain.TokenReasonAdjust, source, "")
}

// Balance returns the user's materialized balance.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	return s.repo.Balance(ctx, userID)
}

// FlowsSince aggregates ledger movement per reason, for the admin overview.
func (s *Service) FlowsSince(ctx context.Context, since time.Time) ([]domain.TokenFlow, error) {
	return s.repo.FlowsSince(ctx, since)
}
