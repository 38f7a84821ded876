package split

import (
	"fmt"
	"iter"

	"github.com/OnslaughtSnail/turnkit/kernel/turn"
)

// TurnFunc runs one full turn for one piece.
type TurnFunc func(*turn.Invocation, string) (*turn.Result, error)

// StreamFunc runs one full streamed turn for one piece.
type StreamFunc func(*turn.Invocation, string) iter.Seq2[*turn.Chunk, error]

// ProcessAll drives one turn per piece, strictly sequentially. Later
// pieces are not independent requests: they extend the conversation
// state left by the previous piece, so the pieces must never overlap.
// A piece failure aborts the remainder; results for completed pieces
// are returned alongside the error.
func ProcessAll(inv *turn.Invocation, pieces []string, fn TurnFunc) ([]*turn.Result, error) {
	if fn == nil {
		return nil, fmt.Errorf("split: turn function is nil")
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("split: no pieces to process")
	}
	out := make([]*turn.Result, 0, len(pieces))
	for _, piece := range pieces {
		if err := inv.Context.Err(); err != nil {
			return out, err
		}
		result, err := fn(inv, piece)
		if err != nil {
			return out, err
		}
		out = append(out, result)
	}
	return out, nil
}

// StreamAll merges per-piece streams into one logical stream. Pieces
// run strictly in sequence; a synthetic paragraph-separator chunk is
// injected between pieces, and every emitted chunk is stamped with its
// piece position. Only the final chunk of the final piece keeps its
// Complete flag.
func StreamAll(inv *turn.Invocation, pieces []string, fn StreamFunc) iter.Seq2[*turn.Chunk, error] {
	return func(yield func(*turn.Chunk, error) bool) {
		if fn == nil {
			yield(nil, fmt.Errorf("split: stream function is nil"))
			return
		}
		if len(pieces) == 0 {
			yield(nil, fmt.Errorf("split: no pieces to process"))
			return
		}
		total := len(pieces)
		for i, piece := range pieces {
			if err := inv.Context.Err(); err != nil {
				yield(nil, err)
				return
			}
			if i > 0 {
				separator := &turn.Chunk{
					Delta:        "\n\n",
					Separator:    true,
					CurrentChunk: i + 1,
					TotalChunks:  total,
				}
				if !yield(separator, nil) {
					return
				}
			}
			for chunk, err := range fn(inv, piece) {
				if err != nil {
					yield(nil, err)
					return
				}
				chunk.CurrentChunk = i + 1
				chunk.TotalChunks = total
				if chunk.Complete && i != total-1 {
					chunk.Complete = false
				}
				if !yield(chunk, nil) {
					return
				}
			}
		}
	}
}
