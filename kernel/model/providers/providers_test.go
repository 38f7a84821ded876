package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

func TestListModelsRequiresRegistration(t *testing.T) {
	factory := NewFactory()
	if got := factory.ListModels(); len(got) != 0 {
		t.Fatalf("expected empty model list, got %v", got)
	}
	if _, err := factory.NewByAlias("openai/gpt-4o-mini"); err == nil {
		t.Fatalf("expected unknown alias error without registration")
	}

	cfg := Config{
		Alias:    "openai/gpt-4o-mini",
		Provider: "openai",
		API:      APIOpenAI,
		Model:    "gpt-4o-mini",
		BaseURL:  "https://api.openai.com/v1",
		Auth: AuthConfig{
			Type:  AuthAPIKey,
			Token: "secret",
		},
	}
	if err := factory.Register(cfg); err != nil {
		t.Fatalf("register provider config: %v", err)
	}
	list := factory.ListModels()
	if len(list) != 1 || list[0] != cfg.Alias {
		t.Fatalf("unexpected list models: %v", list)
	}
	if _, err := factory.NewByAlias(cfg.Alias); err != nil {
		t.Fatalf("new by alias: %v", err)
	}
}

func TestRegisterRejectsUnknownAPIType(t *testing.T) {
	factory := NewFactory()
	err := factory.Register(Config{
		Alias: "bad",
		API:   APIType("carrier_pigeon"),
		Model: "m",
	})
	if err == nil {
		t.Fatalf("expected unsupported api type error")
	}
}

func TestResolveTokenFallsBackToEnv(t *testing.T) {
	t.Setenv("TURNKIT_TEST_TOKEN", "from-env")
	token, err := resolveToken(AuthConfig{TokenEnv: "TURNKIT_TEST_TOKEN"})
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token != "from-env" {
		t.Fatalf("unexpected token %q", token)
	}
	if _, err := resolveToken(AuthConfig{}); err == nil {
		t.Fatalf("expected empty token error")
	}
}

func TestOpenAICompatWholeResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{
				"message": {
					"role": "assistant",
					"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "echo", "arguments": "{\"text\":\"hi\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 7}
		}`)
	}))
	defer server.Close()

	llm := newOpenAICompat(Config{
		Provider: "openai-compatible",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
	}, "token")

	var got *model.Response
	for resp, err := range llm.Generate(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
	}) {
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		got = resp
	}
	if got == nil || !got.TurnComplete {
		t.Fatalf("expected one terminal response, got %+v", got)
	}
	if got.FinishReason != model.FinishReasonToolCalls {
		t.Fatalf("unexpected finish reason %q", got.FinishReason)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Name != "echo" {
		t.Fatalf("unexpected tool calls %+v", got.Message.ToolCalls)
	}
	if got.Message.ToolCalls[0].Args["text"] != "hi" {
		t.Fatalf("unexpected tool args %+v", got.Message.ToolCalls[0].Args)
	}
	if got.Usage.InputTokens != 11 || got.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage %+v", got.Usage)
	}
}

func TestOpenAICompatStream_ForwardsDeltasAndFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"function\":{\"name\":\"echo\",\"arguments\":\"{\\\"te\"}}]}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"xt\\\":\\\"hi\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3}}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	llm := newOpenAICompat(Config{
		Provider: "openai-compatible",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
	}, "token")

	var (
		text      string
		fragments []model.ToolCallDelta
		terminal  *model.Response
	)
	for resp, err := range llm.Generate(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
		Stream:   true,
	}) {
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if resp.TurnComplete {
			terminal = resp
			continue
		}
		text += resp.Message.Text
		fragments = append(fragments, resp.ToolCallDeltas...)
	}
	if text != "hello" {
		t.Fatalf("unexpected streamed text %q", text)
	}
	if len(fragments) != 2 {
		t.Fatalf("expected 2 tool call fragments, got %d", len(fragments))
	}
	if fragments[0].Name != "echo" || fragments[0].ID != "c1" {
		t.Fatalf("unexpected first fragment %+v", fragments[0])
	}
	if fragments[0].ArgsFragment+fragments[1].ArgsFragment != `{"text":"hi"}` {
		t.Fatalf("fragments do not concatenate to arguments: %+v", fragments)
	}
	if terminal == nil {
		t.Fatalf("expected terminal response")
	}
	if terminal.FinishReason != model.FinishReasonToolCalls {
		t.Fatalf("unexpected finish reason %q", terminal.FinishReason)
	}
	if terminal.Usage.InputTokens != 5 || terminal.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage %+v", terminal.Usage)
	}
}

func TestOpenAICompatStream_PropagatesSSEErrorsWithoutTurnComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"model\":\"test-model\",\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {invalid-json}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	llm := newOpenAICompat(Config{
		Provider: "openai-compatible",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
	}, "token")

	var (
		gotErr       error
		turnComplete bool
	)
	for resp, err := range llm.Generate(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
		Stream:   true,
	}) {
		if err != nil {
			gotErr = err
			continue
		}
		if resp != nil && resp.TurnComplete {
			turnComplete = true
		}
	}
	if gotErr == nil {
		t.Fatalf("expected stream error, got nil")
	}
	if turnComplete {
		t.Fatalf("did not expect turn_complete on stream error")
	}
}

func TestOpenAICompatClassifiesHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	llm := newOpenAICompat(Config{
		Provider: "openai-compatible",
		Model:    "test-model",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
	}, "token")

	var gotErr error
	for _, err := range llm.Generate(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
	}) {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr == nil {
		t.Fatalf("expected status error")
	}
	if !model.IsRetryable(gotErr) {
		t.Fatalf("expected 429 to be retryable, got %v", gotErr)
	}
}

func TestLoadFileRegistersProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	payload := `{
		"version": 1,
		"default_model": "fast",
		"providers": [{
			"alias": "fast",
			"provider": "openai",
			"api": "openai",
			"model": "gpt-4o-mini",
			"base_url": "https://api.openai.com/v1",
			"timeout_seconds": 30,
			"auth": {"type": "api_key", "token": "secret"}
		}]
	}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	factory, def, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if def != "fast" {
		t.Fatalf("unexpected default alias %q", def)
	}
	if _, err := factory.NewByAlias("fast"); err != nil {
		t.Fatalf("new by alias: %v", err)
	}
}

func TestLoadFileRejectsUnknownDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"default_model":"ghost"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := LoadFile(path); err == nil {
		t.Fatalf("expected unknown default alias error")
	}
}
