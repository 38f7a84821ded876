package client

import (
	"context"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OnslaughtSnail/turnkit/kernel/history"
	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/retry"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
	"github.com/OnslaughtSnail/turnkit/kernel/usage"
)

// scriptedLLM returns a final text response per call, recording every
// request it saw.
type scriptedLLM struct {
	texts    []string
	calls    int
	requests []*model.Request
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(_ context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	idx := s.calls
	if idx >= len(s.texts) {
		idx = len(s.texts) - 1
	}
	text := s.texts[idx]
	s.calls++
	s.requests = append(s.requests, req)
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Message:      model.Message{Role: model.RoleAssistant, Text: text},
			TurnComplete: true,
			FinishReason: model.FinishReasonStop,
			Usage:        model.Usage{InputTokens: 4, OutputTokens: 2},
		}, nil)
	}
}

// gateLLM blocks inside Generate until released, to hold an
// invocation in flight.
type gateLLM struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateLLM) Name() string { return "gate" }

func (g *gateLLM) Generate(_ context.Context, _ *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		g.once.Do(func() { close(g.entered) })
		<-g.release
		yield(&model.Response{
			Message:      model.Message{Role: model.RoleAssistant, Text: "done"},
			TurnComplete: true,
			FinishReason: model.FinishReasonStop,
		}, nil)
	}
}

func TestNewRequiresModel(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestCallRunsOneTurn(t *testing.T) {
	llm := &scriptedLLM{texts: []string{"hello"}}
	c, err := New(Config{Model: llm, SystemPrompt: "be brief", CallerID: "t1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	results, err := c.Call(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(results) != 1 || results[0].Message.Text != "hello" {
		t.Fatalf("unexpected results %+v", results)
	}

	messages := c.History()
	if len(messages) != 3 {
		t.Fatalf("expected system+user+assistant, got %+v", messages)
	}
	if messages[0].Role != model.RoleSystem || messages[0].Text != "be brief" {
		t.Fatalf("system message missing: %+v", messages[0])
	}
	if messages[1].Role != model.RoleUser || messages[1].Text != "hi" {
		t.Fatalf("user message missing: %+v", messages[1])
	}
	if got := c.Usage().TotalTokens(); got != 6 {
		t.Fatalf("unexpected usage total %d", got)
	}
}

func TestCallRejectsOverlappingInvocations(t *testing.T) {
	gate := &gateLLM{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Config{Model: gate, CallerID: "busy-caller"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), Request{Message: "first"})
		done <- err
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first invocation never reached the provider")
	}

	_, err = c.Call(context.Background(), Request{Message: "second"})
	if !IsBusy(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if !strings.Contains(err.Error(), "busy-caller") {
		t.Fatalf("busy error must name the caller: %v", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first invocation failed: %v", err)
	}

	// The lease is released after completion.
	if _, err := c.Call(context.Background(), Request{Message: "third"}); err != nil {
		t.Fatalf("call after release: %v", err)
	}
}

func TestCallSplitsOversizedRequests(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 20)
	}
	llm := &scriptedLLM{texts: []string{"ok"}}
	c, err := New(Config{
		Model:        llm,
		TokenBudget:  120,
		TokenCounter: func(s string) int { return len([]rune(s)) },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	results, err := c.Call(context.Background(), Request{
		Message:  "summarize",
		Data:     strings.Join(lines, "\n"),
		Trailing: "thanks",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected a split request, got %d results", len(results))
	}
	if llm.calls != len(results) {
		t.Fatalf("expected one provider call per piece: %d calls, %d results", llm.calls, len(results))
	}

	// Every piece carries the shared prefix and suffix, and the data
	// survives concatenation.
	var rebuilt strings.Builder
	userMessages := 0
	for _, msg := range c.History() {
		if msg.Role != model.RoleUser {
			continue
		}
		userMessages++
		if !strings.HasPrefix(msg.Text, "summarize") {
			t.Fatalf("piece missing message prefix: %q", msg.Text)
		}
		if !strings.HasSuffix(msg.Text, "thanks") {
			t.Fatalf("piece missing trailing suffix: %q", msg.Text)
		}
		body := strings.TrimPrefix(msg.Text, "summarize")
		body = strings.TrimSuffix(body, "thanks")
		rebuilt.WriteString(strings.TrimSpace(body))
		rebuilt.WriteString("\n")
	}
	if userMessages != len(results) {
		t.Fatalf("expected one user message per piece, got %d", userMessages)
	}
	for _, line := range lines {
		if !strings.Contains(rebuilt.String(), line) {
			t.Fatalf("split dropped data line %q", line)
		}
	}

	// Usage accumulates additively across pieces: 6 tokens per call.
	if got, want := c.Usage().TotalTokens(), 6*len(results); got != want {
		t.Fatalf("usage total %d, want %d across %d pieces", got, want, len(results))
	}
}

func TestStreamStampsPieceMetadata(t *testing.T) {
	llm := &scriptedLLM{texts: []string{"streamed"}}
	c, err := New(Config{Model: llm})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var chunks int
	var sawComplete bool
	for chunk, err := range c.Stream(context.Background(), Request{Message: "hi"}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		chunks++
		if chunk.CurrentChunk != 1 || chunk.TotalChunks != 1 {
			t.Fatalf("unsplit request must stamp 1/1, got %d/%d", chunk.CurrentChunk, chunk.TotalChunks)
		}
		if chunk.Complete {
			sawComplete = true
		}
	}
	if chunks == 0 || !sawComplete {
		t.Fatalf("expected a terminal chunk, saw %d chunks (complete=%v)", chunks, sawComplete)
	}
}

func TestStreamReportsBusy(t *testing.T) {
	gate := &gateLLM{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Config{Model: gate})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), Request{Message: "first"})
		done <- err
	}()
	<-gate.entered

	var gotErr error
	for _, err := range c.Stream(context.Background(), Request{Message: "second"}) {
		gotErr = err
	}
	if !IsBusy(gotErr) {
		t.Fatalf("expected busy error from stream, got %v", gotErr)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first invocation failed: %v", err)
	}
}

func TestToolManagement(t *testing.T) {
	echo, err := tool.NewFunction("echo", "echoes", func(_ context.Context, args struct {
		Text string `json:"text"`
	}) (map[string]any, error) {
		return map[string]any{"echo": args.Text}, nil
	})
	if err != nil {
		t.Fatalf("new tool: %v", err)
	}
	c, err := New(Config{Model: &scriptedLLM{texts: []string{"ok"}}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := c.AddTool(echo); err != nil {
		t.Fatalf("add tool: %v", err)
	}
	if err := c.AddTool(echo); err == nil {
		t.Fatalf("duplicate tool must be rejected")
	}
	if tools := c.ListTools(); len(tools) != 1 || tools[0].Name() != "echo" {
		t.Fatalf("unexpected tool list %+v", tools)
	}
	c.RemoveTool("echo")
	if tools := c.ListTools(); len(tools) != 0 {
		t.Fatalf("tool not removed: %+v", tools)
	}
}

func TestSetSystemPromptRotation(t *testing.T) {
	c, err := New(Config{Model: &scriptedLLM{texts: []string{"ok"}}, SystemPrompt: "old"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Call(context.Background(), Request{Message: "hi"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	c.SetSystemPrompt("new", true)
	messages := c.History()
	if messages[0].Role != model.RoleSystem || messages[0].Text != "new" {
		t.Fatalf("system prompt not rotated: %+v", messages[0])
	}
	if len(messages) != 3 {
		t.Fatalf("preserve must keep conversation messages, got %+v", messages)
	}

	c.SetSystemPrompt("fresh", false)
	messages = c.History()
	if len(messages) != 1 || messages[0].Text != "fresh" {
		t.Fatalf("non-preserving rotation must reset the log, got %+v", messages)
	}
}

func TestUsageCallbackReceivesRecords(t *testing.T) {
	var records []usage.Record
	c, err := New(Config{
		Model:    &scriptedLLM{texts: []string{"ok"}},
		CallerID: "cb-caller",
		UsageCallback: func(_ context.Context, r usage.Record) error {
			records = append(records, r)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Call(context.Background(), Request{Message: "hi"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one usage record, got %d", len(records))
	}
	if records[0].CallerID != "cb-caller" || records[0].Usage.TotalTokens() != 6 {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestCompactShrinksHistory(t *testing.T) {
	c, err := New(Config{
		Model:        &scriptedLLM{texts: []string{"SUMMARY"}},
		SystemPrompt: "be helpful",
		Compactor:    history.NewCompactor(history.CompactionConfig{PreserveRecentTurns: 1}),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	messages := []model.Message{{Role: model.RoleSystem, Text: "be helpful"}}
	for i := 0; i < 6; i++ {
		messages = append(messages,
			model.Message{Role: model.RoleUser, Text: strings.Repeat("question ", 20)},
			model.Message{Role: model.RoleAssistant, Text: strings.Repeat("answer ", 20)},
		)
	}
	c.SetHistory(messages)

	outcome, err := c.Compact(context.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !outcome.Compacted {
		t.Fatalf("expected compaction, got %+v", outcome)
	}
	after := c.History()
	if len(after) >= len(messages) {
		t.Fatalf("history did not shrink: %d -> %d", len(messages), len(after))
	}
	if after[0].Role != model.RoleSystem || after[0].Text != "be helpful" {
		t.Fatalf("system message must survive compaction: %+v", after[0])
	}
	if !strings.Contains(after[1].Text, "SUMMARY") {
		t.Fatalf("summary message missing: %+v", after[1])
	}
}

func TestCompactRespectsLease(t *testing.T) {
	gate := &gateLLM{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Config{Model: gate})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), Request{Message: "first"})
		done <- err
	}()
	<-gate.entered

	if _, err := c.Compact(context.Background()); !IsBusy(err) {
		t.Fatalf("expected busy error from compact, got %v", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first invocation failed: %v", err)
	}
}

func TestCallRejectsEmptyRequest(t *testing.T) {
	c, err := New(Config{Model: &scriptedLLM{texts: []string{"ok"}}, Retry: retry.Config{BaseDelay: time.Millisecond}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Call(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error for empty request")
	}
}
