package turn

import "github.com/OnslaughtSnail/turnkit/kernel/model"

// Result is the outcome of one completed turn (or one round, before
// the loop decides whether tools are required).
type Result struct {
	// Message is the assistant message, including tool-call markers
	// when the model requested a tool round.
	Message model.Message
	// ToolCalls are the parsed tool requests of this round. Empty on a
	// final result, except when the iteration ceiling fired: the limit
	// result stays complete but keeps the calls that were refused.
	ToolCalls []model.ToolCall
	// FinishReason reports why the provider ended the turn, or
	// iteration_limit when the tool-loop safety stop fired.
	FinishReason model.FinishReason
	// Usage is the provider-reported usage for this round.
	Usage model.Usage
	// Complete marks a terminal result: no further rounds follow.
	Complete bool
	Model    string
	Provider string
}

// Chunk is one incremental unit of a streamed response. Within one
// logical stream, chunks arrive in strict order: text deltas and
// partial tool-call markers, then one round-terminal chunk per round,
// with the turn-terminal chunk carrying Complete.
type Chunk struct {
	// Delta is the incremental text of this chunk, empty on marker and
	// terminal chunks.
	Delta string
	// ToolCallPartial marks that a tool-call fragment was observed.
	// Assembled calls appear only on the round-terminal chunk.
	ToolCallPartial bool
	// Message is the fully assembled assistant message, populated on
	// round-terminal chunks only.
	Message model.Message
	// ToolCalls are parsed, assembled tool requests, populated on the
	// round-terminal chunk of a tool round.
	ToolCalls []model.ToolCall
	// RoundComplete marks the last chunk of one provider stream.
	RoundComplete bool
	// Complete marks the last chunk of the whole logical stream.
	Complete     bool
	FinishReason model.FinishReason
	Usage        model.Usage

	// Round is the 1-based tool round this chunk belongs to.
	Round int
	// CurrentChunk / TotalChunks position the piece this chunk belongs
	// to when the request was split; both are 1 for unsplit requests.
	CurrentChunk int
	TotalChunks  int
	// Separator marks the synthetic paragraph-break chunk injected
	// between pieces of a split request.
	Separator bool
}

func (r *Result) finalize(reason model.FinishReason) {
	r.FinishReason = reason
	r.Complete = true
}
