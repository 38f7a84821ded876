package model

import (
	"context"
	"iter"
)

// Role identifies message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the provider-supplied signal for why a turn ended.
type FinishReason string

const (
	FinishReasonStop           FinishReason = "stop"
	FinishReasonLength         FinishReason = "length"
	FinishReasonToolCalls      FinishReason = "tool_calls"
	FinishReasonContentFilter  FinishReason = "content_filter"
	FinishReasonIterationLimit FinishReason = "iteration_limit"
)

// ToolDefinition describes a callable tool for model planning.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model-emitted tool invocation request with fully
// assembled arguments.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallDelta is one streaming fragment of a tool call. Name and
// argument fragments for the same call may arrive in separate events;
// fragments are correlated by Index (falling back to ID).
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}

// ToolResponse is a tool execution result returned to model context.
type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]any
}

// Message is a single turn element in model context. Once appended to
// a conversation history it is treated as immutable.
type Message struct {
	Role         Role
	Text         string
	Name         string
	ToolCalls    []ToolCall
	ToolResponse *ToolResponse
	Metadata     map[string]any
}

// Request is a provider-agnostic model request.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition
	Stream   bool
}

// Usage reports model token usage and cost for one provider call.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	Cost              float64
}

// Add returns the additive accumulation of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + other.InputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
		CachedInputTokens: u.CachedInputTokens + other.CachedInputTokens,
		Cost:              u.Cost + other.Cost,
	}
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a provider-agnostic model response chunk. Streaming
// providers yield a run of partial responses carrying text deltas and
// tool-call fragments, then one terminal response with TurnComplete
// set, the finish reason and usage.
type Response struct {
	Message        Message
	ToolCallDeltas []ToolCallDelta
	Partial        bool
	TurnComplete   bool
	FinishReason   FinishReason
	Usage          Usage
	Model          string
	Provider       string
}

// LLM is the model abstraction used by the kernel.
type LLM interface {
	Name() string
	Generate(context.Context, *Request) iter.Seq2[*Response, error]
}
