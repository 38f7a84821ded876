package providers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errSSEDone signals a clean end of stream from inside an event
// callback, either the "[DONE]" sentinel or a consumer stop.
var errSSEDone = errors.New("providers: sse done")

// scanSSE delivers one callback per server-sent event payload. Events
// are framed by blank lines; consecutive data fields of one event are
// joined with newlines. The OpenAI-dialect "[DONE]" sentinel ends the
// scan cleanly.
func scanSSE(r io.Reader, onEvent func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var fields []string
	dispatch := func() error {
		if len(fields) == 0 {
			return nil
		}
		payload := strings.TrimSpace(strings.Join(fields, "\n"))
		fields = fields[:0]
		switch payload {
		case "":
			return nil
		case "[DONE]":
			return errSSEDone
		}
		return onEvent([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, errSSEDone) {
					return nil
				}
				return err
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			fields = append(fields, strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("providers: sse scanner: %w", err)
	}
	if err := dispatch(); err != nil && !errors.Is(err, errSSEDone) {
		return err
	}
	return nil
}
