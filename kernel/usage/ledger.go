// Package usage accumulates per-call token and cost usage and fans it
// out to an optional caller-provided callback.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// Record is the payload delivered to usage callbacks, one per
// recorded provider call.
type Record struct {
	ID        string
	CallerID  string
	Usage     model.Usage
	Timestamp time.Time
}

// Callback observes usage records. Errors and panics are logged and
// swallowed; a callback can never fail or block the main path's result.
type Callback func(context.Context, Record) error

// Ledger accumulates usage additively across tool rounds and chunks
// within one logical caller invocation, and across invocations for the
// lifetime of the owning caller instance.
type Ledger struct {
	mu       sync.Mutex
	callerID string
	total    model.Usage
	callback Callback
	logger   *slog.Logger
}

// NewLedger returns an empty ledger for the given caller.
func NewLedger(callerID string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{callerID: callerID, logger: logger}
}

// SetCallback installs or clears the usage callback.
func (l *Ledger) SetCallback(cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = cb
}

// Record accumulates one usage sample and notifies the callback.
func (l *Ledger) Record(ctx context.Context, u model.Usage) {
	l.mu.Lock()
	l.total = l.total.Add(u)
	cb := l.callback
	callerID := l.callerID
	l.mu.Unlock()

	if cb == nil {
		return
	}
	record := Record{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		Usage:     u,
		Timestamp: time.Now(),
	}
	l.invoke(ctx, cb, record)
}

func (l *Ledger) invoke(ctx context.Context, cb Callback, record Record) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("usage callback panicked", "caller_id", record.CallerID, "panic", r)
		}
	}()
	if err := cb(ctx, record); err != nil {
		l.logger.Warn("usage callback failed", "caller_id", record.CallerID, "error", err)
	}
}

// Total returns the accumulated usage.
func (l *Ledger) Total() model.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Reset zeroes the accumulated usage.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = model.Usage{}
}
