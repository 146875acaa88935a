package sip

import "github.com/ghettovoice/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionExists        Error = "transaction already exists"
	ErrTransactionTerminated    Error = "transaction terminated"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionManagerClosed Error = "transaction manager closed"
	ErrInvalidTransition        Error = "invalid state transition"
)

// Transport errors.
const (
	// ErrNoTarget is returned when no target for the message is resolved.
	ErrNoTarget Error = "no target resolved"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"

	errMissHdrs Error = "missing mandatory headers"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}
