package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// Func is a typed function tool handler.
type Func[TArgs, TResult any] func(context.Context, TArgs) (TResult, error)

type functionTool[TArgs, TResult any] struct {
	name        string
	description string
	fn          Func[TArgs, TResult]
}

// NewFunction creates a typed function-backed tool. The parameter
// schema is derived from TArgs by reflection over its JSON tags.
func NewFunction[TArgs, TResult any](name, description string, fn Func[TArgs, TResult]) (Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool: name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool: function is nil")
	}
	return &functionTool[TArgs, TResult]{
		name:        name,
		description: description,
		fn:          fn,
	}, nil
}

func (t *functionTool[TArgs, TResult]) Name() string {
	return t.name
}

func (t *functionTool[TArgs, TResult]) Description() string {
	return t.description
}

func (t *functionTool[TArgs, TResult]) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  schemaForType[TArgs](),
	}
}

func (t *functionTool[TArgs, TResult]) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	var typed TArgs
	if err := convertViaJSON(args, &typed); err != nil {
		return nil, fmt.Errorf("tool: decode args for %q: %w", t.name, err)
	}
	out, err := t.fn(ctx, typed)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := convertViaJSON(out, &result); err == nil {
		return result, nil
	}
	return map[string]any{"result": out}, nil
}

func convertViaJSON(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
