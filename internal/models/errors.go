package models

import (
	"errors"
	"fmt"
)

// Business rejections. None of them leave a partial mutation behind.
var (
	ErrInsufficientFunds = errors.New("insufficient USD balance")
	ErrInsufficientAsset = errors.New("insufficient asset balance")
	ErrNoAssetPosition   = errors.New("no asset balance for this symbol")
	ErrForbidden         = errors.New("order not owned by user")
	ErrInvalidState      = errors.New("only open orders can be cancelled")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUserNotFound      = errors.New("user not found")
)

// ErrInvariantViolation marks internal consistency failures. It is never a
// normal rejection and must not be retried.
var ErrInvariantViolation = errors.New("invariant violation")

// InvariantViolation builds an error that matches ErrInvariantViolation.
func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// ValidationError rejects malformed input before any lock is taken
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsRejection reports whether err is an expected business rejection.
func IsRejection(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientAsset) ||
		errors.Is(err, ErrNoAssetPosition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrUserNotFound)
}
