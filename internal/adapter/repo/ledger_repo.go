package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"forgelab/internal/domain"
	"forgelab/internal/infra"
	"forgelab/internal/sqlinline"
)

// Postgres error codes surfaced by the balance guard.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// TokenLedgerRepositoryPG implements domain.TokenLedgerRepository over
// PostgreSQL. The balance mutation is a single-statement upsert-and-add so
// concurrent workers never race on read-then-write.
type TokenLedgerRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewTokenLedgerRepository creates a new ledger repository backed by PostgreSQL.
func NewTokenLedgerRepository(sql infra.SQLExecutor) *TokenLedgerRepositoryPG {
	return &TokenLedgerRepositoryPG{sql: sql}
}

// Apply atomically moves the user's balance by delta and appends the event.
func (r *TokenLedgerRepositoryPG) Apply(ctx context.Context, userID string, delta int, reason domain.TokenReason, source, idempotencyKey string) (*domain.TokenEvent, error) {
	event := &domain.TokenEvent{
		ID:             uuid.NewString(),
		UserID:         userID,
		Reason:         reason,
		Delta:          delta,
		Source:         source,
		IdempotencyKey: idempotencyKey,
	}
	row := r.sql.QueryRow(ctx, sqlinline.QApplyTokenDelta,
		event.ID,
		userID,
		delta,
		string(reason),
		source,
		idempotencyKey,
	)
	if err := row.Scan(&event.BalanceAfter, &event.CreatedAt); err != nil {
		// No row means the upsert's non-negative guard filtered the write.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInsufficientTokens
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgCheckViolation:
				return nil, domain.ErrInsufficientTokens
			case pgUniqueViolation:
				return nil, domain.ErrDuplicateOperation
			}
		}
		return nil, err
	}
	return event, nil
}

// Balance returns the materialized balance for a user, zero when no row exists.
func (r *TokenLedgerRepositoryPG) Balance(ctx context.Context, userID string) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectTokenBalance, userID)
	var balance int
	if err := row.Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// SumDeltas recomputes the balance by aggregation. Used by reconciliation
// checks; the hot path reads the materialized row.
func (r *TokenLedgerRepositoryPG) SumDeltas(ctx context.Context, userID string) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSumTokenDeltas, userID)
	var sum int
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// GetByIdempotencyKey fetches a ledger event by its idempotency key.
func (r *TokenLedgerRepositoryPG) GetByIdempotencyKey(ctx context.Context, key string) (*domain.TokenEvent, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectTokenEventByKey, key)
	var event domain.TokenEvent
	var reason string
	if err := row.Scan(
		&event.ID,
		&event.UserID,
		&reason,
		&event.Delta,
		&event.BalanceAfter,
		&event.Source,
		&event.IdempotencyKey,
		&event.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	event.Reason = domain.TokenReason(reason)
	return &event, nil
}

// FlowsSince aggregates ledger activity per reason over a window.
func (r *TokenLedgerRepositoryPG) FlowsSince(ctx context.Context, since time.Time) ([]domain.TokenFlow, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QTokenFlowsSince, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []domain.TokenFlow
	for rows.Next() {
		var flow domain.TokenFlow
		var reason string
		if err := rows.Scan(&reason, &flow.Count, &flow.Total); err != nil {
			return nil, err
		}
		flow.Reason = domain.TokenReason(reason)
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

var _ domain.TokenLedgerRepository = (*TokenLedgerRepositoryPG)(nil)
