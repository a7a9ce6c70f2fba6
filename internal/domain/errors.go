package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	ErrValidation          = errors.New("validation failed")
	ErrAnalysisUnavailable = errors.New("analysis unavailable")
	ErrConfiguration       = errors.New("configuration error")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrReservationLost     = errors.New("ledger reservation lost")
	ErrTradingHalted       = errors.New("live trading halted")

	// Execution provider failures.
	ErrRejectedByExchange = errors.New("rejected by exchange")
	ErrTransientNetwork   = errors.New("transient network error")
	ErrAuthentication     = errors.New("exchange authentication failed")
	// ErrOrderUnconfirmed means the exchange accepted the request but its
	// reply was lost; the order may exist.
	ErrOrderUnconfirmed = errors.New("order submitted but unconfirmed")
)

// ValidationError describes a malformed inbound event or analysis result.
// It unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
