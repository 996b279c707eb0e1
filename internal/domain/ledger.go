package domain

import "time"

// TokenReason enumerates why a balance changed.
type TokenReason string

const (
	TokenReasonSpend  TokenReason = "spend"
	TokenReasonRefund TokenReason = "refund"
	TokenReasonTopup  TokenReason = "topup"
	TokenReasonAdjust TokenReason = "adjust"
)

// TokenEvent is one append-only record of a token balance change. Delta is
// negative for spend and positive for refund/topup; BalanceAfter is the
// materialized balance immediately after the event applied.
type TokenEvent struct {
	ID             string
	UserID         string
	Reason         TokenReason
	Delta          int
	BalanceAfter   int
	Source         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// TokenFlow aggregates ledger activity for one reason over a window.
type TokenFlow struct {
	Reason TokenReason
	Count  int
	Total  int
}
