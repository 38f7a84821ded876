// Package client is the caller-facing surface of the turn engine: it
// owns the conversation history, the tool registry and the usage
// ledger for one logical conversation, and serializes invocations so
// overlapping calls cannot corrupt shared state.
package client

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/OnslaughtSnail/turnkit/kernel/history"
	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/retry"
	"github.com/OnslaughtSnail/turnkit/kernel/split"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
	"github.com/OnslaughtSnail/turnkit/kernel/turn"
	"github.com/OnslaughtSnail/turnkit/kernel/usage"
)

// Config configures one Client.
type Config struct {
	Model        model.LLM
	Tools        []tool.Tool
	SystemPrompt string

	Retry             retry.Config
	MaxToolIterations int
	Truncation        tool.TruncationPolicy

	// TokenBudget caps the rendered size of one provider request;
	// oversized requests are split into sequential pieces. Zero
	// disables splitting.
	TokenBudget int
	// TokenCounter measures rendered text. Nil uses the rune-based
	// estimate.
	TokenCounter split.TokenCounter

	// Compactor shrinks the conversation when Compact is called. Nil
	// uses a default-configured compactor.
	Compactor *history.Compactor

	CallerID      string
	UsageCallback usage.Callback
	Logger        *slog.Logger
}

// Request is one caller request: a message, optional structured data
// and optional trailing text.
type Request struct {
	Message  string
	Data     any
	Trailing string
}

// Client drives turns against one model for one conversation. A
// Client is safe for concurrent use, but only one invocation may be
// in flight at a time: overlapping Call/Stream attempts fail with
// BusyError rather than silently interleaving history mutations.
type Client struct {
	mu       sync.Mutex
	busy     bool
	cfg      Config
	history  *history.History
	registry *tool.Registry
	ledger   *usage.Ledger
	logger   *slog.Logger
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("client: model is nil")
	}
	registry, err := tool.NewRegistry(cfg.Tools...)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := usage.NewLedger(cfg.CallerID, logger)
	if cfg.UsageCallback != nil {
		ledger.SetCallback(cfg.UsageCallback)
	}
	hist := history.New()
	if cfg.SystemPrompt != "" {
		hist.RotateSystemMessage(cfg.SystemPrompt, true)
	}
	return &Client{
		cfg:      cfg,
		history:  hist,
		registry: registry,
		ledger:   ledger,
		logger:   logger,
	}, nil
}

// Call executes req to completion and returns one final result per
// piece the request was split into.
func (c *Client) Call(ctx context.Context, req Request) ([]*turn.Result, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	pieces, err := c.pieces(req)
	if err != nil {
		return nil, err
	}
	inv, err := c.newInvocation(ctx)
	if err != nil {
		return nil, err
	}
	settings := c.settings()
	return split.ProcessAll(inv, pieces, func(inv *turn.Invocation, piece string) (*turn.Result, error) {
		inv.History.Append(model.Message{Role: model.RoleUser, Text: piece})
		return turn.RunTurn(inv, settings)
	})
}

// Stream executes req as one logical stream of chunks across every
// piece and tool round, metadata-tagged with piece and round position.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[*turn.Chunk, error] {
	return func(yield func(*turn.Chunk, error) bool) {
		release, err := c.acquire()
		if err != nil {
			yield(nil, err)
			return
		}
		defer release()

		pieces, err := c.pieces(req)
		if err != nil {
			yield(nil, err)
			return
		}
		inv, err := c.newInvocation(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		settings := c.settings()
		for chunk, err := range split.StreamAll(inv, pieces, func(inv *turn.Invocation, piece string) iter.Seq2[*turn.Chunk, error] {
			inv.History.Append(model.Message{Role: model.RoleUser, Text: piece})
			return turn.RunTurnStream(inv, settings)
		}) {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// AddTool registers a tool for subsequent invocations.
func (c *Client) AddTool(t tool.Tool) error {
	return c.registry.Add(t)
}

// RemoveTool unregisters a tool by name.
func (c *Client) RemoveTool(name string) {
	c.registry.Remove(name)
}

// ListTools returns registered tools sorted by name.
func (c *Client) ListTools() []tool.Tool {
	return c.registry.List()
}

// History returns a snapshot of the conversation log.
func (c *Client) History() []model.Message {
	return c.history.Snapshot()
}

// SetHistory wholesale-replaces the conversation log.
func (c *Client) SetHistory(messages []model.Message) {
	c.history.Replace(messages)
}

// ClearHistory removes every message, system message included.
func (c *Client) ClearHistory() {
	c.history.Clear()
}

// SetSystemPrompt rotates the leading system message. With preserve
// set, existing conversation messages survive; without it the log is
// reset to just the system message.
func (c *Client) SetSystemPrompt(text string, preserve bool) {
	c.mu.Lock()
	c.cfg.SystemPrompt = text
	c.mu.Unlock()
	c.history.RotateSystemMessage(text, preserve)
}

// SetUsageCallback installs or clears the usage callback.
func (c *Client) SetUsageCallback(cb usage.Callback) {
	c.ledger.SetCallback(cb)
}

// Usage returns accumulated usage across every invocation of this
// Client.
func (c *Client) Usage() model.Usage {
	return c.ledger.Total()
}

// Compact summarizes older conversation messages into a single
// replacement message, preserving the system message and the most
// recent turns. It holds the invocation lease for its duration, so it
// cannot race an in-flight Call or Stream.
func (c *Client) Compact(ctx context.Context) (history.CompactionOutcome, error) {
	release, err := c.acquire()
	if err != nil {
		return history.CompactionOutcome{}, err
	}
	defer release()

	compactor := c.cfg.Compactor
	if compactor == nil {
		compactor = history.NewCompactor(history.CompactionConfig{})
	}
	return compactor.Compact(ctx, c.cfg.Model, c.history)
}

func (c *Client) acquire() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, &BusyError{CallerID: c.cfg.CallerID}
	}
	c.busy = true
	return func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}, nil
}

func (c *Client) pieces(req Request) ([]string, error) {
	payload := split.Payload{
		Message:  req.Message,
		Data:     req.Data,
		Trailing: req.Trailing,
	}
	c.mu.Lock()
	budget := c.cfg.TokenBudget
	counter := c.cfg.TokenCounter
	c.mu.Unlock()
	if budget <= 0 {
		rendered, err := split.Render(payload)
		if err != nil {
			return nil, err
		}
		return []string{rendered}, nil
	}
	splitter, err := split.NewSplitter(budget, counter)
	if err != nil {
		return nil, err
	}
	return splitter.Split(payload)
}

func (c *Client) newInvocation(ctx context.Context) (*turn.Invocation, error) {
	inv, err := turn.NewInvocation(ctx, c.cfg.Model, c.history, c.ledger, c.registry)
	if err != nil {
		return nil, err
	}
	if c.cfg.MaxToolIterations > 0 {
		inv.MaxToolIterations = c.cfg.MaxToolIterations
	}
	inv.Logger = c.logger
	return inv, nil
}

func (c *Client) settings() turn.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return turn.Settings{
		SystemPrompt: c.cfg.SystemPrompt,
		Retry:        c.cfg.Retry,
		Truncation:   c.cfg.Truncation,
	}
}
