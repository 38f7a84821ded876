package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
)

// IterationLimitMessage is the synthetic tool-result text returned
// when the shared iteration counter would exceed its ceiling.
const IterationLimitMessage = "tool iteration limit exceeded; no further tool calls will be executed"

// RunRound executes one round of tool calls sequentially in request
// order and renders each outcome as a tool-result message. Unknown
// tools and failed executions become error-carrying results fed back
// into the conversation, never errors out of the round; only context
// cancellation aborts. The returned flag reports that the iteration
// ceiling fired, in which case the single returned message is the
// synthetic limit marker and no tool ran.
func RunRound(inv *Invocation, calls []model.ToolCall, truncation tool.TruncationPolicy) ([]model.Message, bool, error) {
	if len(calls) == 0 {
		return nil, false, nil
	}
	if !inv.nextIteration() {
		inv.logger().Warn("tool iteration ceiling reached",
			"iterations", inv.Iterations()-1,
			"requested_calls", len(calls))
		return []model.Message{iterationLimitResult(calls[0])}, true, nil
	}

	out := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		if err := inv.Context.Err(); err != nil {
			return out, false, err
		}
		msg, err := runOne(inv, call, truncation)
		if err != nil {
			return out, false, err
		}
		out = append(out, msg)
	}
	return out, false, nil
}

func runOne(inv *Invocation, call model.ToolCall, truncation tool.TruncationPolicy) (model.Message, error) {
	t, ok := inv.Tools.Get(call.Name)
	if !ok {
		inv.logger().Warn("model requested unknown tool", "tool", call.Name)
		return toolErrorResult(call, "unknown tool %q", call.Name), nil
	}

	inv.logger().Debug("executing tool", "tool", call.Name, "call_id", call.ID)
	result, runErr := t.Run(inv.Context, call.Args)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return model.Message{}, runErr
		}
		return toolErrorResult(call, "%s", runErr.Error()), nil
	}

	truncated, info := tool.TruncateMap(result, truncation)
	truncated = tool.AddTruncationMeta(truncated, info)
	return model.Message{
		Role: model.RoleTool,
		ToolResponse: &model.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: truncated,
		},
	}, nil
}

func toolErrorResult(call model.ToolCall, format string, args ...any) model.Message {
	return model.Message{
		Role: model.RoleTool,
		ToolResponse: &model.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: map[string]any{"error": fmt.Sprintf(format, args...)},
		},
	}
}

func iterationLimitResult(call model.ToolCall) model.Message {
	return model.Message{
		Role: model.RoleTool,
		ToolResponse: &model.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: map[string]any{"error": IterationLimitMessage},
		},
	}
}
