// Package turn executes one logical request/response exchange against
// a model provider: provider calls, stream aggregation, tool rounds
// and the loop that ties them together.
package turn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/OnslaughtSnail/turnkit/kernel/history"
	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
	"github.com/OnslaughtSnail/turnkit/kernel/usage"
)

// DefaultMaxToolIterations bounds tool rounds per invocation when the
// caller does not choose a ceiling.
const DefaultMaxToolIterations = 10

// Invocation carries the per-invocation state threaded through every
// function in the loop: the conversation history handle, the usage
// ledger, the tool registry and the shared iteration counter. One
// Invocation belongs to exactly one top-level Call or Stream and is
// never shared across overlapping invocations.
type Invocation struct {
	context.Context

	Model   model.LLM
	History *history.History
	Ledger  *usage.Ledger
	Tools   *tool.Registry
	Logger  *slog.Logger

	// MaxToolIterations bounds tool rounds across all chunks of this
	// invocation. The counter is reset only by creating a new
	// Invocation.
	MaxToolIterations int

	iterations int
}

// NewInvocation validates and builds one invocation context.
func NewInvocation(ctx context.Context, llm model.LLM, hist *history.History, ledger *usage.Ledger, tools *tool.Registry) (*Invocation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if llm == nil {
		return nil, fmt.Errorf("turn: model is nil")
	}
	if hist == nil {
		hist = history.New()
	}
	if tools == nil {
		var err error
		tools, err = tool.NewRegistry()
		if err != nil {
			return nil, err
		}
	}
	return &Invocation{
		Context:           ctx,
		Model:             llm,
		History:           hist,
		Ledger:            ledger,
		Tools:             tools,
		Logger:            slog.Default(),
		MaxToolIterations: DefaultMaxToolIterations,
	}, nil
}

// nextIteration claims one tool round from the shared counter. It
// reports false when the round would exceed the ceiling.
func (inv *Invocation) nextIteration() bool {
	limit := inv.MaxToolIterations
	if limit <= 0 {
		limit = DefaultMaxToolIterations
	}
	inv.iterations++
	return inv.iterations <= limit
}

// Iterations returns the number of tool rounds claimed so far.
func (inv *Invocation) Iterations() int {
	return inv.iterations
}

func (inv *Invocation) logger() *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return slog.Default()
}

func (inv *Invocation) recordUsage(u model.Usage) {
	if inv.Ledger == nil {
		return
	}
	inv.Ledger.Record(inv.Context, u)
}
