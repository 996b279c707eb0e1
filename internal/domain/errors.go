package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrStaleJob           = errors.New("job modified concurrently")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrJobNotRetryable    = errors.New("job not retryable")
	ErrJobNotDeletable    = errors.New("job not deletable")
)
