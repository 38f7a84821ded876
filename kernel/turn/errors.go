package turn

import (
	"errors"
	"fmt"
)

// StreamDecodeError reports a malformed tool-call argument payload
// discovered at stream assembly time. It terminates the affected
// stream and reaches that stream's consumer.
type StreamDecodeError struct {
	CallID string
	Name   string
	Err    error
}

func (e *StreamDecodeError) Error() string {
	if e == nil {
		return "turn: stream decode error"
	}
	return fmt.Sprintf("turn: malformed tool-call arguments for %q (id %s): %v", e.Name, e.CallID, e.Err)
}

func (e *StreamDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsStreamDecode reports whether err is a stream decode failure.
func IsStreamDecode(err error) bool {
	var target *StreamDecodeError
	return errors.As(err, &target)
}
