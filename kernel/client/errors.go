package client

import (
	"errors"
	"fmt"
)

// BusyError indicates the client already has an in-flight invocation.
type BusyError struct {
	CallerID string
}

func (e *BusyError) Error() string {
	if e == nil || e.CallerID == "" {
		return "client: invocation already in flight"
	}
	return fmt.Sprintf("client: invocation already in flight for caller %q", e.CallerID)
}

// IsBusy reports whether err is, or wraps, a BusyError.
func IsBusy(err error) bool {
	var target *BusyError
	return errors.As(err, &target)
}
