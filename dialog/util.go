package dialog

import (
	"github.com/ghettovoice/sipstack/internal/errorutil"
)

func errorf(sentinel error, args ...any) error {
	return errorutil.NewWrapperError(sentinel, args...) //errtrace:skip
}
