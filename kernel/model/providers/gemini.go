package providers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

type geminiLLM struct {
	name         string
	provider     string
	token        string
	baseURL      string
	httpClient   *http.Client
	maxOutputTok int
}

func newGemini(cfg Config, token string) (*geminiLLM, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &geminiLLM{
		name:         cfg.Model,
		provider:     cfg.Provider,
		token:        token,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		maxOutputTok: cfg.MaxOutputTok,
	}, nil
}

func (l *geminiLLM) Name() string {
	return l.name
}

func (l *geminiLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		client, err := l.newClient(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		contents, config := l.convert(req)
		if !req.Stream {
			l.yieldWhole(ctx, client, contents, config, yield)
			return
		}
		l.yieldStream(ctx, client, contents, config, yield)
	}
}

func (l *geminiLLM) newClient(ctx context.Context) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     l.token,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: l.httpClient,
	}
	if l.baseURL != "" {
		cfg.HTTPOptions.BaseURL = l.baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("providers: gemini client: %w", err)
	}
	return client, nil
}

func (l *geminiLLM) yieldWhole(ctx context.Context, client *genai.Client, contents []*genai.Content, config *genai.GenerateContentConfig, yield func(*model.Response, error) bool) {
	out, err := client.Models.GenerateContent(ctx, l.name, contents, config)
	if err != nil {
		yield(nil, l.classify(err))
		return
	}
	if len(out.Candidates) == 0 || out.Candidates[0].Content == nil {
		yield(nil, fmt.Errorf("providers: %s returned no candidates", l.provider))
		return
	}
	cand := out.Candidates[0]
	msg := model.Message{Role: model.RoleAssistant}
	textParts := make([]string, 0, len(cand.Content.Parts))
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	yield(&model.Response{
		Message:      msg,
		TurnComplete: true,
		FinishReason: geminiFinishReason(string(cand.FinishReason), len(msg.ToolCalls) > 0),
		Model:        l.name,
		Provider:     l.provider,
		Usage:        geminiUsage(out.UsageMetadata),
	}, nil)
}

// yieldStream forwards text deltas as they arrive. Gemini emits
// function calls as whole parts, so those are passed through as
// assembled calls rather than fragments.
func (l *geminiLLM) yieldStream(ctx context.Context, client *genai.Client, contents []*genai.Content, config *genai.GenerateContentConfig, yield func(*model.Response, error) bool) {
	var (
		usage        model.Usage
		finish       string
		calls        []model.ToolCall
		sawToolCalls bool
	)
	for chunk, err := range client.Models.GenerateContentStream(ctx, l.name, contents, config) {
		if err != nil {
			yield(nil, l.classify(err))
			return
		}
		if chunk.UsageMetadata != nil {
			usage = geminiUsage(chunk.UsageMetadata)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			finish = string(cand.FinishReason)
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				sawToolCalls = true
				calls = append(calls, model.ToolCall{
					ID:   part.FunctionCall.ID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
				continue
			}
			if part.Text == "" {
				continue
			}
			if !yield(&model.Response{
				Message:  model.Message{Role: model.RoleAssistant, Text: part.Text},
				Partial:  true,
				Model:    l.name,
				Provider: l.provider,
			}, nil) {
				return
			}
		}
	}
	yield(&model.Response{
		Message:      model.Message{Role: model.RoleAssistant, ToolCalls: calls},
		TurnComplete: true,
		FinishReason: geminiFinishReason(finish, sawToolCalls),
		Model:        l.name,
		Provider:     l.provider,
		Usage:        usage,
	}, nil)
}

func (l *geminiLLM) convert(req *model.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if l.maxOutputTok > 0 {
		config.MaxOutputTokens = int32(l.maxOutputTok)
	}
	for _, t := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}},
		})
	}

	systemLines := make([]string, 0, 2)
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem, model.RoleDeveloper:
			if strings.TrimSpace(m.Text) != "" {
				systemLines = append(systemLines, m.Text)
			}
		case model.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		case model.RoleAssistant:
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Text != "" {
				parts = append(parts, &genai.Part{Text: m.Text})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case model.RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolResponse.ID,
					Name:     m.ToolResponse.Name,
					Response: m.ToolResponse.Result,
				}}},
			})
		}
	}
	if len(systemLines) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemLines, "\n\n")}},
		}
	}
	return contents, config
}

func (l *geminiLLM) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return model.NewStatusError(l.provider, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewTransportError(l.provider, err)
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) model.Usage {
	if meta == nil {
		return model.Usage{}
	}
	return model.Usage{
		InputTokens:       int(meta.PromptTokenCount),
		OutputTokens:      int(meta.CandidatesTokenCount),
		CachedInputTokens: int(meta.CachedContentTokenCount),
	}
}

func geminiFinishReason(reason string, hasToolCalls bool) model.FinishReason {
	switch reason {
	case "STOP":
		if hasToolCalls {
			return model.FinishReasonToolCalls
		}
		return model.FinishReasonStop
	case "MAX_TOKENS":
		return model.FinishReasonLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return model.FinishReasonContentFilter
	}
	if hasToolCalls {
		return model.FinishReasonToolCalls
	}
	return model.FinishReasonStop
}
