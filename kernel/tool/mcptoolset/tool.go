package mcptoolset

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// mcpTool adapts one remote MCP tool to the kernel tool contract.
type mcpTool struct {
	name         string
	originalName string
	serverName   string
	description  string
	parameters   map[string]any
	callTimeout  time.Duration
	getSession   func(context.Context) (*mcp.ClientSession, error)
}

func (t *mcpTool) Name() string {
	return t.name
}

func (t *mcpTool) Description() string {
	return t.description
}

func (t *mcpTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *mcpTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.getSession == nil {
		return nil, fmt.Errorf("mcptoolset: session getter is nil")
	}
	session, err := t.getSession(ctx)
	if err != nil {
		return nil, err
	}
	callCtx := ctx
	cancel := func() {}
	if t.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t.callTimeout)
	}
	defer cancel()

	res, err := session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      t.originalName,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcptoolset: call %s/%s: %w", t.serverName, t.originalName, err)
	}
	if res == nil {
		return map[string]any{"ok": true}, nil
	}

	texts := contentText(res.Content)
	if res.IsError {
		if strings.TrimSpace(texts) == "" {
			texts = "mcp tool returned isError=true"
		}
		return nil, fmt.Errorf("%s", texts)
	}

	output := map[string]any{}
	if res.StructuredContent != nil {
		if m, ok := res.StructuredContent.(map[string]any); ok {
			for k, v := range m {
				output[k] = v
			}
		} else {
			output["structured_output"] = res.StructuredContent
		}
	}
	if strings.TrimSpace(texts) != "" {
		if _, exists := output["output"]; !exists {
			output["output"] = texts
		} else {
			output["content"] = texts
		}
	}
	if len(output) == 0 {
		output["ok"] = true
	}
	return output, nil
}

func contentText(content []mcp.Content) string {
	if len(content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch value := c.(type) {
		case *mcp.TextContent:
			text := strings.TrimSpace(value.Text)
			if text != "" {
				parts = append(parts, text)
			}
		default:
			raw, err := json.Marshal(value)
			if err == nil {
				text := strings.TrimSpace(string(raw))
				if text != "" && text != "{}" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok && len(m) > 0 {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || len(out) == 0 {
		return map[string]any{"type": "object"}
	}
	return out
}

// namespacedName joins prefix and tool name, capped at 64 chars for
// model compatibility. Overlong names keep a stable hash suffix.
func namespacedName(prefix, original string) string {
	prefix = sanitizeName(prefix)
	original = sanitizeName(original)
	if prefix == "" {
		prefix = "mcp"
	}
	if original == "" {
		original = "tool"
	}
	name := prefix + "__" + original
	if len(name) <= 64 {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	maxPrefix := 64 - 2 - len(suffix)
	if maxPrefix < 1 {
		maxPrefix = 1
	}
	if len(name) > maxPrefix {
		name = name[:maxPrefix]
	}
	name = strings.Trim(name, "_")
	if name == "" {
		name = "mcp"
	}
	return name + "__" + suffix
}

func sanitizeName(input string) string {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return ""
	}
	var b strings.Builder
	prevUnderscore := false
	for _, r := range input {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if ok {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	return out
}
