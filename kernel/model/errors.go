package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is a classified provider failure. Transient errors
// (network, 5xx, 429) are safe to retry; everything else is surfaced
// immediately.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Msg       string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "model: provider error"
	}
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("model: %s provider error from %s: status %d: %s", kind, e.Provider, e.Status, e.Msg)
	}
	return fmt.Sprintf("model: %s provider error from %s: %s", kind, e.Provider, e.Msg)
}

// NewStatusError classifies one HTTP status into a ProviderError.
func NewStatusError(provider string, status int, msg string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Transient: status >= 500 || status == http.StatusTooManyRequests,
		Msg:       msg,
	}
}

// NewTransportError wraps a network-level failure as transient.
func NewTransportError(provider string, err error) *ProviderError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ProviderError{Provider: provider, Transient: true, Msg: msg}
}

// IsRetryable reports whether err may be retried against the provider.
// Cancellation is terminal. Classified permanent errors are terminal.
// Anything else is treated as a transport-level transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Transient
	}
	return true
}
