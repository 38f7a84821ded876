package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// SummarizeInput describes one compaction summarization request.
type SummarizeInput struct {
	Messages           []model.Message
	InputBudget        int
	SummaryChunkTokens int
	MaxSummaryRetries  int
}

// SummarizeResult is one compaction summary result.
type SummarizeResult struct {
	Text               string
	SummarizedMessages int
}

// CompactionStrategy abstracts how old conversation messages are
// summarized into a replacement message.
type CompactionStrategy interface {
	Summarize(context.Context, model.LLM, SummarizeInput) (SummarizeResult, error)
}

const (
	defaultCompactionSystemPrompt = "You are a conversation compactor. Produce a concise structured summary covering goals, constraints, key facts, completed actions, pending tasks, and important artifacts."
	defaultCompactionUserPrefix   = "Summarize the following conversation history. Preserve critical tool outcomes and unresolved issues. Return only the summary body:\n\n"
	defaultCompactionMergePrefix  = "Merge the following chunk summaries into one coherent final summary:\n\n"
)

// MapReduceStrategyConfig configures the default map-reduce strategy.
type MapReduceStrategyConfig struct {
	SystemPrompt string
	UserPrefix   string
	MergePrefix  string
}

// MapReduceStrategy summarizes token-budgeted message chunks
// independently, then merges the chunk summaries.
type MapReduceStrategy struct {
	systemPrompt string
	userPrefix   string
	mergePrefix  string
}

// NewMapReduceStrategy builds one map-reduce compaction strategy.
func NewMapReduceStrategy(cfg MapReduceStrategyConfig) *MapReduceStrategy {
	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultCompactionSystemPrompt
	}
	userPrefix := strings.TrimSpace(cfg.UserPrefix)
	if userPrefix == "" {
		userPrefix = defaultCompactionUserPrefix
	}
	mergePrefix := strings.TrimSpace(cfg.MergePrefix)
	if mergePrefix == "" {
		mergePrefix = defaultCompactionMergePrefix
	}
	return &MapReduceStrategy{
		systemPrompt: systemPrompt,
		userPrefix:   userPrefix,
		mergePrefix:  mergePrefix,
	}
}

// DefaultCompactionStrategy returns the default strategy.
func DefaultCompactionStrategy() CompactionStrategy {
	return NewMapReduceStrategy(MapReduceStrategyConfig{})
}

func (s *MapReduceStrategy) Summarize(ctx context.Context, llm model.LLM, in SummarizeInput) (SummarizeResult, error) {
	if len(in.Messages) == 0 {
		return SummarizeResult{}, nil
	}
	retries := in.MaxSummaryRetries
	if retries < 1 {
		retries = 1
	}
	working := append([]model.Message(nil), in.Messages...)
	for attempt := 0; attempt < retries; attempt++ {
		chunkBudget := in.SummaryChunkTokens / (attempt + 1)
		if chunkBudget < 800 {
			chunkBudget = 800
		}
		summary, err := s.summarizeByMapReduce(ctx, llm, working, chunkBudget)
		if err == nil && strings.TrimSpace(summary) != "" {
			return SummarizeResult{
				Text:               strings.TrimSpace(summary),
				SummarizedMessages: len(working),
			}, nil
		}
		if err == nil {
			break
		}
		if !isContextOverflowError(err) {
			break
		}
		if len(working) <= 4 {
			break
		}
		// Drop the oldest half and retry on a smaller window.
		working = working[len(working)/2:]
	}
	return SummarizeResult{
		Text:               heuristicFallbackSummary(working, in.InputBudget),
		SummarizedMessages: len(working),
	}, nil
}

func (s *MapReduceStrategy) summarizeByMapReduce(ctx context.Context, llm model.LLM, messages []model.Message, chunkBudget int) (string, error) {
	chunks := splitByTokenBudget(messages, chunkBudget)
	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		out, err := s.callCompactionModel(ctx, llm, s.userPrefix+messagesToTranscript(chunk))
		if err != nil {
			return "", err
		}
		summaries = append(summaries, out)
	}
	if len(summaries) == 0 {
		return "", nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	merged := strings.Join(summaries, "\n\n")
	return s.callCompactionModel(ctx, llm, s.mergePrefix+merged)
}

func (s *MapReduceStrategy) callCompactionModel(ctx context.Context, llm model.LLM, userPrompt string) (string, error) {
	req := &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: s.systemPrompt},
			{Role: model.RoleUser, Text: userPrompt},
		},
	}
	var last *model.Response
	for resp, err := range llm.Generate(ctx, req) {
		if err != nil {
			return "", err
		}
		if resp != nil {
			last = resp
		}
	}
	if last == nil {
		return "", fmt.Errorf("history: compaction got empty model response")
	}
	return strings.TrimSpace(last.Message.Text), nil
}

func isContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	keywords := []string{
		"context length",
		"context window",
		"prompt is too long",
		"too many tokens",
		"maximum context",
		"input is too long",
		"token limit",
		"max context",
	}
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
