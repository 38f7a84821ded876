package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// summaryHeader marks the replacement message produced by compaction.
const summaryHeader = "Summary of earlier conversation:"

// CompactionConfig configures history compaction behavior.
type CompactionConfig struct {
	// WatermarkRatio triggers compaction once the estimated history
	// size crosses this fraction of the input budget. Clamped to
	// [MinWatermarkRatio, MaxWatermarkRatio].
	WatermarkRatio    float64
	MinWatermarkRatio float64
	MaxWatermarkRatio float64

	// ContextWindowTokens is the model's context window. Zero consults
	// the model's ContextWindowTokens capability, then the default.
	ContextWindowTokens int
	ReserveOutputTokens int
	SafetyMarginTokens  int

	// PreserveRecentTurns keeps the most recent user turns out of the
	// summarized region.
	PreserveRecentTurns int

	SummaryChunkTokens int
	MaxSummaryRetries  int

	Strategy CompactionStrategy
}

func normalizeCompactionConfig(cfg CompactionConfig) CompactionConfig {
	if cfg.MinWatermarkRatio <= 0 {
		cfg.MinWatermarkRatio = 0.5
	}
	if cfg.MaxWatermarkRatio <= 0 {
		cfg.MaxWatermarkRatio = 0.9
	}
	if cfg.WatermarkRatio <= 0 {
		cfg.WatermarkRatio = 0.7
	}
	if cfg.WatermarkRatio < cfg.MinWatermarkRatio {
		cfg.WatermarkRatio = cfg.MinWatermarkRatio
	}
	if cfg.WatermarkRatio > cfg.MaxWatermarkRatio {
		cfg.WatermarkRatio = cfg.MaxWatermarkRatio
	}
	if cfg.ReserveOutputTokens <= 0 {
		cfg.ReserveOutputTokens = 4096
	}
	if cfg.SafetyMarginTokens <= 0 {
		cfg.SafetyMarginTokens = 1024
	}
	if cfg.PreserveRecentTurns <= 0 {
		cfg.PreserveRecentTurns = 2
	}
	if cfg.SummaryChunkTokens <= 0 {
		cfg.SummaryChunkTokens = 6000
	}
	if cfg.MaxSummaryRetries <= 0 {
		cfg.MaxSummaryRetries = 3
	}
	if cfg.Strategy == nil {
		cfg.Strategy = DefaultCompactionStrategy()
	}
	return cfg
}

// Compactor shrinks a history in place by replacing old messages with
// a model-produced summary, preserving the system message and the
// most recent turns.
type Compactor struct {
	cfg CompactionConfig
}

// NewCompactor builds a compactor from cfg.
func NewCompactor(cfg CompactionConfig) *Compactor {
	return &Compactor{cfg: normalizeCompactionConfig(cfg)}
}

// CompactionOutcome reports what one compaction pass did.
type CompactionOutcome struct {
	Compacted          bool
	SummarizedMessages int
	PreTokens          int
	PostTokens         int
}

// CompactIfNeeded compacts h when its estimated size crosses the
// watermark, and is a no-op otherwise.
func (c *Compactor) CompactIfNeeded(ctx context.Context, llm model.LLM, h *History) (CompactionOutcome, error) {
	return c.run(ctx, llm, h, false)
}

// Compact compacts h unconditionally.
func (c *Compactor) Compact(ctx context.Context, llm model.LLM, h *History) (CompactionOutcome, error) {
	return c.run(ctx, llm, h, true)
}

func (c *Compactor) run(ctx context.Context, llm model.LLM, h *History, force bool) (CompactionOutcome, error) {
	if llm == nil {
		return CompactionOutcome{}, fmt.Errorf("history: compaction model is nil")
	}
	if h == nil {
		return CompactionOutcome{}, fmt.Errorf("history: history is nil")
	}

	messages := h.Snapshot()
	var system *model.Message
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		system = &messages[0]
		messages = messages[1:]
	}
	if len(messages) == 0 {
		return CompactionOutcome{}, nil
	}

	inputBudget := c.inputBudget(llm)
	currentTokens := estimateMessagesTokens(messages)
	if !force && float64(currentTokens)/float64(inputBudget) < c.cfg.WatermarkRatio {
		return CompactionOutcome{}, nil
	}

	toSummarize, tail := splitCompactionTarget(messages, c.cfg.PreserveRecentTurns)
	if len(toSummarize) == 0 {
		return CompactionOutcome{}, nil
	}

	result, err := c.cfg.Strategy.Summarize(ctx, llm, SummarizeInput{
		Messages:           append([]model.Message(nil), toSummarize...),
		InputBudget:        inputBudget,
		SummaryChunkTokens: c.cfg.SummaryChunkTokens,
		MaxSummaryRetries:  c.cfg.MaxSummaryRetries,
	})
	if err != nil {
		return CompactionOutcome{}, err
	}
	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return CompactionOutcome{}, nil
	}

	replacement := make([]model.Message, 0, len(tail)+2)
	if system != nil {
		replacement = append(replacement, *system)
	}
	replacement = append(replacement, model.Message{
		Role: model.RoleUser,
		Text: summaryHeader + "\n\n" + summary,
	})
	replacement = append(replacement, tail...)
	h.Replace(replacement)

	return CompactionOutcome{
		Compacted:          true,
		SummarizedMessages: result.SummarizedMessages,
		PreTokens:          currentTokens,
		PostTokens:         estimateMessagesTokens(replacement),
	}, nil
}

func (c *Compactor) inputBudget(llm model.LLM) int {
	window := c.cfg.ContextWindowTokens
	if window <= 0 {
		type capability interface {
			ContextWindowTokens() int
		}
		if capable, ok := llm.(capability); ok {
			window = capable.ContextWindowTokens()
		}
	}
	if window <= 0 {
		window = 65536
	}
	budget := window - c.cfg.ReserveOutputTokens - c.cfg.SafetyMarginTokens
	if budget < 2048 {
		budget = int(float64(window) * 0.5)
	}
	if budget < 1024 {
		budget = 1024
	}
	return budget
}

// splitCompactionTarget splits the window at the cutoff that keeps
// the last preserveRecentTurns user turns (and everything after them)
// out of the summarized region.
func splitCompactionTarget(window []model.Message, preserveRecentTurns int) ([]model.Message, []model.Message) {
	if len(window) == 0 {
		return nil, nil
	}
	userIndices := make([]int, 0, 16)
	for i, msg := range window {
		if msg.Role == model.RoleUser {
			userIndices = append(userIndices, i)
		}
	}
	if len(userIndices) == 0 {
		return window, nil
	}
	if preserveRecentTurns < 1 {
		preserveRecentTurns = 1
	}
	if len(userIndices) <= preserveRecentTurns {
		return nil, window
	}
	cutoff := userIndices[len(userIndices)-preserveRecentTurns]
	if cutoff <= 0 || cutoff >= len(window) {
		return nil, window
	}
	return window[:cutoff], window[cutoff:]
}

func splitByTokenBudget(messages []model.Message, budget int) [][]model.Message {
	if budget <= 0 {
		budget = 1200
	}
	chunks := make([][]model.Message, 0, 4)
	current := make([]model.Message, 0, 8)
	currentTokens := 0
	for _, msg := range messages {
		tokens := estimateMessageTokens(msg)
		if len(current) > 0 && currentTokens+tokens > budget {
			chunks = append(chunks, current)
			current = make([]model.Message, 0, 8)
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func heuristicFallbackSummary(messages []model.Message, inputBudget int) string {
	if len(messages) == 0 {
		return "Fallback summary: no messages available."
	}
	tail := messages
	if len(tail) > 24 {
		tail = tail[len(tail)-24:]
	}
	var b strings.Builder
	b.WriteString("Fallback summary (heuristic, model compaction degraded):\n")
	for _, msg := range tail {
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, clipText(messageToText(msg), 240))
	}
	fmt.Fprintf(&b, "Estimated context budget=%d tokens.\n", inputBudget)
	return strings.TrimSpace(b.String())
}

func messageToText(msg model.Message) string {
	if msg.ToolResponse != nil {
		raw, _ := json.Marshal(msg.ToolResponse.Result)
		return fmt.Sprintf("tool_response name=%s result=%s", msg.ToolResponse.Name, string(raw))
	}
	if len(msg.ToolCalls) > 0 {
		raw, _ := json.Marshal(msg.ToolCalls)
		return fmt.Sprintf("tool_calls=%s text=%s", string(raw), msg.Text)
	}
	return msg.Text
}

func messagesToTranscript(messages []model.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, messageToText(msg))
	}
	return b.String()
}

func estimateMessagesTokens(messages []model.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageTokens(msg)
	}
	return total
}

func estimateMessageTokens(msg model.Message) int {
	return estimateTextTokens(messageToText(msg)) + 10
}

func estimateTextTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	tokens := runes / 4
	if runes%4 != 0 {
		tokens++
	}
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}

func clipText(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	var b strings.Builder
	count := 0
	for _, r := range text {
		if count >= maxRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	b.WriteString(" ...")
	return b.String()
}
