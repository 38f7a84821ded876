package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

type anthropicLLM struct {
	name         string
	provider     string
	client       anthropic.Client
	maxOutputTok int
}

func newAnthropic(cfg Config, token string) *anthropicLLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	maxTok := cfg.MaxOutputTok
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &anthropicLLM{
		name:         cfg.Model,
		provider:     cfg.Provider,
		client:       anthropic.NewClient(opts...),
		maxOutputTok: maxTok,
	}
}

func (l *anthropicLLM) Name() string {
	return l.name
}

func (l *anthropicLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		params, err := l.params(req)
		if err != nil {
			yield(nil, err)
			return
		}
		if !req.Stream {
			l.yieldWhole(ctx, params, yield)
			return
		}
		l.yieldStream(ctx, params, yield)
	}
}

func (l *anthropicLLM) yieldWhole(ctx context.Context, params anthropic.MessageNewParams, yield func(*model.Response, error) bool) {
	out, err := l.client.Messages.New(ctx, params)
	if err != nil {
		yield(nil, l.classify(err))
		return
	}
	msg := model.Message{Role: model.RoleAssistant}
	textParts := make([]string, 0, len(out.Content))
	for _, block := range out.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if strings.TrimSpace(b.Text) != "" {
				textParts = append(textParts, b.Text)
			}
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					yield(nil, fmt.Errorf("providers: decode tool use %q input: %w", b.Name, err))
					return
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	yield(&model.Response{
		Message:      msg,
		TurnComplete: true,
		FinishReason: anthropicFinishReason(string(out.StopReason), len(msg.ToolCalls) > 0),
		Model:        string(out.Model),
		Provider:     l.provider,
		Usage: model.Usage{
			InputTokens:       int(out.Usage.InputTokens),
			OutputTokens:      int(out.Usage.OutputTokens),
			CachedInputTokens: int(out.Usage.CacheReadInputTokens),
		},
	}, nil)
}

// yieldStream forwards text deltas and tool-use argument fragments as
// raw deltas keyed by content block index. Assembly happens upstream.
func (l *anthropicLLM) yieldStream(ctx context.Context, params anthropic.MessageNewParams, yield func(*model.Response, error) bool) {
	stream := l.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		usage        model.Usage
		stopReason   string
		sawToolCalls bool
	)
	for stream.Next() {
		event := stream.Current()
		out := &model.Response{
			Partial:  true,
			Model:    l.name,
			Provider: l.provider,
		}
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
			usage.CachedInputTokens = int(ev.Message.Usage.CacheReadInputTokens)
			continue
		case anthropic.ContentBlockStartEvent:
			tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			sawToolCalls = true
			out.ToolCallDeltas = []model.ToolCallDelta{{
				Index: int(ev.Index),
				ID:    tu.ID,
				Name:  tu.Name,
			}}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text == "" {
					continue
				}
				out.Message = model.Message{Role: model.RoleAssistant, Text: d.Text}
			case anthropic.InputJSONDelta:
				if d.PartialJSON == "" {
					continue
				}
				out.ToolCallDeltas = []model.ToolCallDelta{{
					Index:        int(ev.Index),
					ArgsFragment: d.PartialJSON,
				}}
			default:
				continue
			}
		case anthropic.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			continue
		default:
			continue
		}
		if !yield(out, nil) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		yield(nil, l.classify(err))
		return
	}
	yield(&model.Response{
		Message:      model.Message{Role: model.RoleAssistant},
		TurnComplete: true,
		FinishReason: anthropicFinishReason(stopReason, sawToolCalls),
		Model:        l.name,
		Provider:     l.provider,
		Usage:        usage,
	}, nil)
}

func (l *anthropicLLM) params(req *model.Request) (anthropic.MessageNewParams, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.name),
		MaxTokens: int64(l.maxOutputTok),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toAnthropicSchema(t.Parameters),
			},
		})
	}
	return params, nil
}

func (l *anthropicLLM) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.NewStatusError(l.provider, apiErr.StatusCode, apiErr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewTransportError(l.provider, err)
}

func toAnthropicSchema(parameters map[string]any) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{}
	if props, ok := parameters["properties"]; ok {
		schema.Properties = props
	}
	switch req := parameters["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func toAnthropicMessages(messages []model.Message) (string, []anthropic.MessageParam, error) {
	systemLines := make([]string, 0, 2)
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem, model.RoleDeveloper:
			if strings.TrimSpace(m.Text) != "" {
				systemLines = append(systemLines, m.Text)
			}
		case model.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case model.RoleAssistant:
			parts := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Text) != "" {
				parts = append(parts, anthropic.NewTextBlock(m.Text))
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: call.Args,
					},
				})
			}
			if len(parts) > 0 {
				out = append(out, anthropic.NewAssistantMessage(parts...))
			}
		case model.RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			raw, err := json.Marshal(m.ToolResponse.Result)
			if err != nil {
				return "", nil, fmt.Errorf("providers: encode tool result %q: %w", m.ToolResponse.Name, err)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: m.ToolResponse.ID,
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: string(raw)},
					}},
				},
			}))
		}
	}

	return strings.Join(systemLines, "\n\n"), out, nil
}

func anthropicFinishReason(stopReason string, hasToolCalls bool) model.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return model.FinishReasonStop
	case "max_tokens":
		return model.FinishReasonLength
	case "tool_use":
		return model.FinishReasonToolCalls
	case "refusal":
		return model.FinishReasonContentFilter
	}
	if hasToolCalls {
		return model.FinishReasonToolCalls
	}
	return model.FinishReasonStop
}
