package sip

import (
	"github.com/ghettovoice/sipstack/dialog"
	"github.com/ghettovoice/sipstack/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument              = errorutil.ErrInvalidArgument
	ErrManagerClosed          Error = "manager closed"
	ErrResourceExhausted            = errorutil.ErrResourceExhausted
	ErrInvalidStateTransition       = errorutil.ErrInvalidStateTransition
)

// Transaction errors.
const (
	ErrDuplicateTransaction Error = "duplicate transaction"
	ErrTransactionNotFound  Error = "transaction not found"
	ErrTransactionTimedOut  Error = "transaction timed out"
	ErrTransportFailure     Error = "transport failure"
)

// Dialog errors.
const (
	ErrIncompleteDialog = dialog.ErrIncompleteDialog
	ErrDialogNotFound   = dialog.ErrDialogNotFound
	ErrDialogExists     = dialog.ErrDialogExists
	ErrOutOfOrder       = dialog.ErrOutOfOrder
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
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
