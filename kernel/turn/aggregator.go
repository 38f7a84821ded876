package turn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

type aggregatorState int

const (
	aggregatorAwaitingFirstChunk aggregatorState = iota
	aggregatorStreaming
	aggregatorCompleted
	aggregatorFailed
)

// Aggregator assembles one provider event stream into output chunks.
// Text deltas pass through immediately; tool-call fragments accumulate
// keyed by call index until the finishing event, where they are parsed
// into assembled tool calls on the terminal chunk.
type Aggregator struct {
	state    aggregatorState
	text     strings.Builder
	pending  map[int]*pendingCall
	byID     map[string]int
	usage    model.Usage
	model    string
	provider string
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewAggregator returns an aggregator awaiting its first event.
func NewAggregator() *Aggregator {
	return &Aggregator{
		pending: map[int]*pendingCall{},
		byID:    map[string]int{},
	}
}

// Feed consumes one provider event and returns the chunk to emit for
// it, or nil when the event only advanced internal state. The chunk
// for the finishing event carries RoundComplete, the finish reason,
// usage and any assembled tool calls.
func (a *Aggregator) Feed(resp *model.Response) (*Chunk, error) {
	switch a.state {
	case aggregatorCompleted, aggregatorFailed:
		return nil, fmt.Errorf("turn: aggregator received event after terminal state")
	case aggregatorAwaitingFirstChunk:
		a.state = aggregatorStreaming
	}
	if resp == nil {
		return nil, nil
	}
	if resp.Model != "" {
		a.model = resp.Model
	}
	if resp.Provider != "" {
		a.provider = resp.Provider
	}
	if resp.Usage != (model.Usage{}) {
		a.usage = resp.Usage
	}

	for _, delta := range resp.ToolCallDeltas {
		a.accumulate(delta)
	}
	for _, call := range resp.Message.ToolCalls {
		a.adoptWhole(call)
	}

	if resp.TurnComplete {
		return a.finish(resp)
	}

	chunk := &Chunk{
		Delta:           resp.Message.Text,
		ToolCallPartial: len(resp.ToolCallDeltas) > 0 || len(resp.Message.ToolCalls) > 0,
	}
	if chunk.Delta != "" {
		a.text.WriteString(chunk.Delta)
	}
	if chunk.Delta == "" && !chunk.ToolCallPartial {
		return nil, nil
	}
	return chunk, nil
}

// Fail moves the aggregator to its terminal failed state.
func (a *Aggregator) Fail() {
	a.state = aggregatorFailed
}

func (a *Aggregator) accumulate(delta model.ToolCallDelta) {
	index := delta.Index
	if delta.ID != "" {
		if known, ok := a.byID[delta.ID]; ok {
			index = known
		} else {
			a.byID[delta.ID] = index
		}
	}
	entry := a.pending[index]
	if entry == nil {
		entry = &pendingCall{}
		a.pending[index] = entry
	}
	if delta.ID != "" {
		entry.id = delta.ID
	}
	if delta.Name != "" {
		entry.name = delta.Name
	}
	entry.args.WriteString(delta.ArgsFragment)
}

// adoptWhole accepts a tool call delivered fully assembled in one
// event, as some providers do even when streaming.
func (a *Aggregator) adoptWhole(call model.ToolCall) {
	index := len(a.pending)
	if call.ID != "" {
		if known, ok := a.byID[call.ID]; ok {
			index = known
		} else {
			a.byID[call.ID] = index
		}
	}
	entry := a.pending[index]
	if entry == nil {
		entry = &pendingCall{}
		a.pending[index] = entry
	}
	entry.id = call.ID
	entry.name = call.Name
	if len(call.Args) > 0 && entry.args.Len() == 0 {
		raw, err := json.Marshal(call.Args)
		if err == nil {
			entry.args.Write(raw)
		}
	}
}

func (a *Aggregator) finish(resp *model.Response) (*Chunk, error) {
	calls, err := a.assembled()
	if err != nil {
		a.state = aggregatorFailed
		return nil, err
	}
	a.state = aggregatorCompleted

	text := a.text.String()
	if resp.Message.Text != "" && !resp.Partial {
		// A terminal event carrying full text (non-streaming provider
		// replay) wins over an empty accumulation.
		if text == "" {
			text = resp.Message.Text
		}
	}
	msg := model.Message{
		Role:      model.RoleAssistant,
		Text:      text,
		ToolCalls: calls,
	}
	reason := resp.FinishReason
	if reason == "" {
		if len(calls) > 0 {
			reason = model.FinishReasonToolCalls
		} else {
			reason = model.FinishReasonStop
		}
	}
	return &Chunk{
		Message:       msg,
		ToolCalls:     calls,
		RoundComplete: true,
		Complete:      len(calls) == 0,
		FinishReason:  reason,
		Usage:         a.usage,
	}, nil
}

// assembled parses every accumulated fragment set into tool calls, in
// call-index order.
func (a *Aggregator) assembled() ([]model.ToolCall, error) {
	if len(a.pending) == 0 {
		return nil, nil
	}
	indexes := make([]int, 0, len(a.pending))
	for index := range a.pending {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	out := make([]model.ToolCall, 0, len(indexes))
	for _, index := range indexes {
		entry := a.pending[index]
		args, err := parseArguments(entry.args.String())
		if err != nil {
			return nil, &StreamDecodeError{CallID: entry.id, Name: entry.name, Err: err}
		}
		out = append(out, model.ToolCall{
			ID:   entry.id,
			Name: entry.name,
			Args: args,
		})
	}
	return out, nil
}

func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON: %s", snippet(raw))
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("arguments are not a JSON object: %s", snippet(raw))
	}
	args, _ := parsed.Value().(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func snippet(raw string) string {
	const max = 120
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "…"
}
