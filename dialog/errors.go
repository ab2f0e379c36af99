package dialog

import "github.com/ghettovoice/sipstack/internal/errorutil"

// Dialog errors.
const (
	ErrIncompleteDialog       Error = "incomplete dialog"
	ErrDialogNotFound         Error = "dialog not found"
	ErrDialogExists           Error = "dialog already exists"
	ErrOutOfOrder             Error = "out of order request"
	ErrResourceExhausted            = errorutil.ErrResourceExhausted
	ErrInvalidStateTransition       = errorutil.ErrInvalidStateTransition
	ErrInvalidArgument              = errorutil.ErrInvalidArgument
)

// Error represents a dialog error.
// See [errorutil.Error].
type Error = errorutil.Error
