package tool

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type echoArgs struct {
	Text  string `json:"text"`
	Upper bool   `json:"upper,omitempty"`
}

type echoResult struct {
	Echo string `json:"echo"`
}

func newEchoTool(t *testing.T) Tool {
	t.Helper()
	echo, err := NewFunction("echo", "echoes text back", func(_ context.Context, args echoArgs) (echoResult, error) {
		out := args.Text
		if args.Upper {
			out = strings.ToUpper(out)
		}
		return echoResult{Echo: out}, nil
	})
	if err != nil {
		t.Fatalf("new function: %v", err)
	}
	return echo
}

func TestFunctionToolRunDecodesArgs(t *testing.T) {
	echo := newEchoTool(t)
	out, err := echo.Run(context.Background(), map[string]any{"text": "hello", "upper": true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["echo"] != "HELLO" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestFunctionToolDeclarationSchema(t *testing.T) {
	decl := newEchoTool(t).Declaration()
	if decl.Name != "echo" {
		t.Fatalf("unexpected name %q", decl.Name)
	}
	if decl.Parameters["type"] != "object" {
		t.Fatalf("unexpected schema type: %#v", decl.Parameters)
	}
	props, ok := decl.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %#v", decl.Parameters)
	}
	text, ok := props["text"].(map[string]any)
	if !ok || text["type"] != "string" {
		t.Fatalf("unexpected text schema: %#v", props["text"])
	}
	required, ok := decl.Parameters["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "text" {
		t.Fatalf("omitempty fields must be optional: %#v", decl.Parameters["required"])
	}
}

func TestFunctionToolPropagatesHandlerError(t *testing.T) {
	failing, err := NewFunction("fail", "always fails", func(context.Context, echoArgs) (echoResult, error) {
		return echoResult{}, fmt.Errorf("tool blew up")
	})
	if err != nil {
		t.Fatalf("new function: %v", err)
	}
	if _, err := failing.Run(context.Background(), map[string]any{"text": "x"}); err == nil {
		t.Fatalf("expected handler error")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry, err := NewRegistry(newEchoTool(t))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Add(newEchoTool(t)); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	if _, err := NewRegistry(newEchoTool(t), newEchoTool(t)); err == nil {
		t.Fatalf("expected duplicate rejection at construction")
	}
}

func TestRegistryListSortedAndRemove(t *testing.T) {
	zulu, _ := NewFunction("zulu", "", func(_ context.Context, args echoArgs) (echoResult, error) {
		return echoResult{Echo: args.Text}, nil
	})
	alpha, _ := NewFunction("alpha", "", func(_ context.Context, args echoArgs) (echoResult, error) {
		return echoResult{Echo: args.Text}, nil
	})
	registry, err := NewRegistry(zulu, alpha)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	list := registry.List()
	if len(list) != 2 || list[0].Name() != "alpha" || list[1].Name() != "zulu" {
		t.Fatalf("expected sorted listing, got %v", list)
	}
	registry.Remove("alpha")
	if _, ok := registry.Get("alpha"); ok {
		t.Fatalf("removed tool still resolvable")
	}
	if decls := registry.Declarations(); len(decls) != 1 || decls[0].Name != "zulu" {
		t.Fatalf("unexpected declarations: %+v", decls)
	}
}

func TestTruncateMapWithinBudgetUntouched(t *testing.T) {
	input := map[string]any{"output": "short"}
	out, info := TruncateMap(input, TruncationPolicy{MaxTokens: 100})
	if info.Truncated {
		t.Fatalf("small result must not be truncated: %+v", info)
	}
	if out["output"] != "short" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestTruncateMapTrimsOversizedOutput(t *testing.T) {
	input := map[string]any{"output": strings.Repeat("abcd", 1000)}
	out, info := TruncateMap(input, TruncationPolicy{MaxTokens: 50})
	if !info.Truncated {
		t.Fatalf("expected truncation, got %+v", info)
	}
	kept, _ := out["output"].(string)
	if len(kept) >= 4000 {
		t.Fatalf("output not trimmed: %d bytes", len(kept))
	}
	annotated := AddTruncationMeta(out, info)
	note, _ := annotated["_truncated"].(string)
	if !strings.Contains(note, "truncated") {
		t.Fatalf("expected truncation annotation, got %#v", annotated)
	}
}

func TestAddTruncationMetaNoopWhenUntouched(t *testing.T) {
	out := AddTruncationMeta(map[string]any{"ok": true}, TruncationInfo{})
	if _, exists := out["_truncated"]; exists {
		t.Fatalf("annotation must only appear after truncation")
	}
}
