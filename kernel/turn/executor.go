package turn

import (
	"context"
	"fmt"
	"iter"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/retry"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
)

// Settings controls one turn's execution.
type Settings struct {
	// SystemPrompt is prepended to the provider request when the
	// history carries no system message of its own.
	SystemPrompt string
	Retry        retry.Config
	Truncation   tool.TruncationPolicy
}

func normalizeSettings(s Settings) Settings {
	if s.Retry.BaseDelay <= 0 && s.Retry.MaxRetries == 0 {
		s.Retry = retry.DefaultConfig()
	}
	if s.Truncation.MaxTokens <= 0 {
		s.Truncation = tool.DefaultTruncationPolicy()
	}
	return s
}

// Execute runs one non-streaming provider call: it builds
// provider-neutral parameters from the history, invokes the model
// through the retry policy, converts the response and records usage.
// Tool execution is the loop's responsibility, not this function's.
func Execute(inv *Invocation, settings Settings) (*Result, error) {
	if inv == nil {
		return nil, fmt.Errorf("turn: invocation is nil")
	}
	settings = normalizeSettings(settings)
	req := buildRequest(inv, settings, false)

	resp, err := retry.Do(inv.Context, settings.Retry, func(ctx context.Context) (*model.Response, error) {
		return collectFinal(ctx, inv.Model.Generate(ctx, req))
	}, model.IsRetryable)
	if err != nil {
		return nil, err
	}

	result := responseToResult(resp)
	inv.recordUsage(result.Usage)
	return result, nil
}

func buildRequest(inv *Invocation, settings Settings, stream bool) *model.Request {
	messages := inv.History.Snapshot()
	if settings.SystemPrompt != "" {
		if len(messages) == 0 || messages[0].Role != model.RoleSystem {
			messages = append([]model.Message{{Role: model.RoleSystem, Text: settings.SystemPrompt}}, messages...)
		}
	}
	return &model.Request{
		Messages: messages,
		Tools:    inv.Tools.Declarations(),
		Stream:   stream,
	}
}

// collectFinal drains one provider sequence and returns its terminal
// response.
func collectFinal(ctx context.Context, seq iter.Seq2[*model.Response, error]) (*model.Response, error) {
	var last *model.Response
	for resp, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if resp != nil {
			last = resp
		}
	}
	if last == nil {
		return nil, fmt.Errorf("turn: provider returned no response")
	}
	return last, nil
}

func responseToResult(resp *model.Response) *Result {
	msg := resp.Message
	if msg.Role == "" {
		msg.Role = model.RoleAssistant
	}
	reason := resp.FinishReason
	if reason == "" {
		if len(msg.ToolCalls) > 0 {
			reason = model.FinishReasonToolCalls
		} else {
			reason = model.FinishReasonStop
		}
	}
	return &Result{
		Message:      msg,
		ToolCalls:    msg.ToolCalls,
		FinishReason: reason,
		Usage:        resp.Usage,
		Complete:     len(msg.ToolCalls) == 0,
		Model:        resp.Model,
		Provider:     resp.Provider,
	}
}
