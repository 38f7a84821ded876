package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

type openAICompatLLM struct {
	name     string
	provider string
	baseURL  string
	token    string
	headers  map[string]string
	client   *http.Client
}

func newOpenAICompat(cfg Config, token string) *openAICompatLLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatLLM{
		name:     cfg.Model,
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    token,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func (l *openAICompatLLM) Name() string {
	return l.name
}

func (l *openAICompatLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		payload := openAICompatRequest{
			Model:    l.name,
			Messages: fromKernelMessages(req.Messages),
			Tools:    fromKernelTools(req.Tools),
			Stream:   req.Stream,
		}
		if req.Stream {
			payload.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			yield(nil, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+l.token)
		for k, v := range l.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := l.client.Do(httpReq)
		if err != nil {
			yield(nil, model.NewTransportError(l.provider, err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			yield(nil, statusError(l.provider, resp))
			return
		}

		if !req.Stream {
			l.yieldWhole(resp, yield)
			return
		}
		l.yieldStream(resp, yield)
	}
}

// yieldWhole decodes one non-streaming completion into a single
// terminal response.
func (l *openAICompatLLM) yieldWhole(resp *http.Response, yield func(*model.Response, error) bool) {
	var out openAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		yield(nil, fmt.Errorf("providers: decode %s response: %w", l.provider, err))
		return
	}
	if len(out.Choices) == 0 {
		yield(nil, fmt.Errorf("providers: %s returned no choices", l.provider))
		return
	}
	choice := out.Choices[0]
	msg, err := toKernelMessage(choice.Message)
	if err != nil {
		yield(nil, err)
		return
	}
	yield(&model.Response{
		Message:      msg,
		TurnComplete: true,
		FinishReason: toFinishReason(choice.FinishReason, len(msg.ToolCalls) > 0),
		Model:        out.Model,
		Provider:     l.provider,
		Usage:        out.Usage.kernel(),
	}, nil)
}

// yieldStream forwards text deltas and raw tool-call fragments as they
// arrive, then one terminal response with the finish reason and usage.
// Tool-call argument fragments are passed through unassembled.
func (l *openAICompatLLM) yieldStream(resp *http.Response, yield func(*model.Response, error) bool) {
	var (
		usage        model.Usage
		finish       string
		sawToolCalls bool
		stopped      bool
	)
	err := scanSSE(resp.Body, func(data []byte) error {
		var chunk openAICompatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("providers: decode %s stream chunk: %w", l.provider, err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.kernel()
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		out := &model.Response{
			Partial:  true,
			Model:    chunk.Model,
			Provider: l.provider,
		}
		if text, ok := choice.Delta.Content.(string); ok && text != "" {
			out.Message = model.Message{Role: model.RoleAssistant, Text: text}
		}
		for _, tc := range choice.Delta.ToolCalls {
			sawToolCalls = true
			out.ToolCallDeltas = append(out.ToolCallDeltas, model.ToolCallDelta{
				Index:        tc.Index,
				ID:           tc.ID,
				Name:         tc.Function.Name,
				ArgsFragment: tc.Function.Arguments,
			})
		}
		if out.Message.Text == "" && len(out.ToolCallDeltas) == 0 {
			return nil
		}
		if !yield(out, nil) {
			stopped = true
			return errSSEDone
		}
		return nil
	})
	if err != nil {
		yield(nil, err)
		return
	}
	if stopped {
		return
	}
	yield(&model.Response{
		Message:      model.Message{Role: model.RoleAssistant},
		TurnComplete: true,
		FinishReason: toFinishReason(finish, sawToolCalls),
		Model:        l.name,
		Provider:     l.provider,
		Usage:        usage,
	}, nil)
}

type openAICompatRequest struct {
	Model         string               `json:"model"`
	Messages      []openAICompatReqMsg `json:"messages"`
	Tools         []openAICompatTool   `json:"tools,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAICompatMsg struct {
	Role       string                 `json:"role"`
	Content    any                    `json:"content,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolCalls  []openAICompatToolCall `json:"tool_calls,omitempty"`
}

type openAICompatReqMsg struct {
	Role       string                 `json:"role"`
	Content    any                    `json:"content,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolCalls  []openAICompatToolCall `json:"tool_calls,omitempty"`
}

type openAICompatTool struct {
	Type     string                   `json:"type"`
	Function openAICompatFunctionDecl `json:"function"`
}

type openAICompatFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAICompatToolCall struct {
	ID       string                   `json:"id,omitempty"`
	Index    int                      `json:"index"`
	Type     string                   `json:"type,omitempty"`
	Function openAICompatCallFunction `json:"function"`
}

type openAICompatCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAICompatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAICompatUsage) kernel() model.Usage {
	if u == nil {
		return model.Usage{}
	}
	return model.Usage{
		InputTokens:       u.PromptTokens,
		OutputTokens:      u.CompletionTokens,
		CachedInputTokens: u.PromptTokensDetails.CachedTokens,
	}
}

type openAICompatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAICompatMsg `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAICompatUsage `json:"usage"`
}

type openAICompatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        openAICompatMsg `json:"delta"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAICompatUsage `json:"usage"`
}

func toFinishReason(reason string, hasToolCalls bool) model.FinishReason {
	switch reason {
	case "stop":
		return model.FinishReasonStop
	case "length", "max_tokens":
		return model.FinishReasonLength
	case "tool_calls", "function_call":
		return model.FinishReasonToolCalls
	case "content_filter":
		return model.FinishReasonContentFilter
	}
	if hasToolCalls {
		return model.FinishReasonToolCalls
	}
	return model.FinishReasonStop
}

func fromKernelMessages(messages []model.Message) []openAICompatReqMsg {
	out := make([]openAICompatReqMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, fromKernelMessage(m))
	}
	return out
}

func fromKernelTools(tools []model.ToolDefinition) []openAICompatTool {
	out := make([]openAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAICompatTool{
			Type: "function",
			Function: openAICompatFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromKernelMessage(m model.Message) openAICompatReqMsg {
	if m.ToolResponse != nil {
		raw, _ := json.Marshal(m.ToolResponse.Result)
		return openAICompatReqMsg{
			Role:       string(model.RoleTool),
			ToolCallID: m.ToolResponse.ID,
			Content:    string(raw),
		}
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]openAICompatToolCall, 0, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			raw, _ := json.Marshal(c.Args)
			calls = append(calls, openAICompatToolCall{
				ID:    c.ID,
				Index: i,
				Type:  "function",
				Function: openAICompatCallFunction{
					Name:      c.Name,
					Arguments: string(raw),
				},
			})
		}
		content := any(nil)
		if m.Text != "" {
			content = m.Text
		}
		return openAICompatReqMsg{
			Role:      string(m.Role),
			Content:   content,
			ToolCalls: calls,
		}
	}
	return openAICompatReqMsg{
		Role:    string(m.Role),
		Content: m.Text,
		Name:    m.Name,
	}
}

func toKernelMessage(m openAICompatMsg) (model.Message, error) {
	out := model.Message{Role: model.Role(m.Role)}
	if text, ok := m.Content.(string); ok {
		out.Text = text
	}
	for _, c := range m.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(c.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
				return model.Message{}, fmt.Errorf("providers: decode tool call %q arguments: %w", c.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   c.ID,
			Name: c.Function.Name,
			Args: args,
		})
	}
	return out, nil
}
