// Package apperr defines the error taxonomy shared by the trading loop.
//
// Callers wrap these sentinels with fmt.Errorf("...: %w", ...) and test for
// them with errors.Is.
package apperr

import "errors"

var (
	// ErrDataFetch is retryable. A trade stays PENDING until the retry ceiling is exceeded.
	ErrDataFetch = errors.New("data fetch failed")

	// ErrInsufficientBalance collapses a signal cycle to "no trade".
	ErrInsufficientBalance = errors.New("insufficient balance for minimum trade size")

	// ErrComputation drops a single module's opinion from the current cycle.
	ErrComputation = errors.New("module computation failed")

	// ErrPersistence is fatal to the current poll cycle.
	ErrPersistence = errors.New("persistence failure")

	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
)
