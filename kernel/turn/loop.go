package turn

import (
	"fmt"
	"iter"
	"time"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
	"github.com/OnslaughtSnail/turnkit/kernel/retry"
)

// RunTurn drives one complete turn: provider call, zero or more tool
// rounds, and the follow-up calls those rounds trigger, until the
// model stops requesting tools or the iteration ceiling fires. The
// assistant message of every round and each round's tool results are
// appended to the invocation's history in request order before the
// next provider call is issued.
func RunTurn(inv *Invocation, settings Settings) (*Result, error) {
	if inv == nil {
		return nil, fmt.Errorf("turn: invocation is nil")
	}
	settings = normalizeSettings(settings)

	for {
		result, err := Execute(inv, settings)
		if err != nil {
			return nil, err
		}
		inv.History.Append(result.Message)
		if len(result.ToolCalls) == 0 {
			return result, nil
		}

		messages, limitHit, err := RunRound(inv, result.ToolCalls, settings.Truncation)
		for _, msg := range messages {
			inv.History.Append(msg)
		}
		if err != nil {
			return nil, err
		}
		if limitHit {
			result.finalize(model.FinishReasonIterationLimit)
			return result, nil
		}
	}
}

// RunTurnStream is the streaming variant of RunTurn. Each tool round
// opens a new underlying provider stream; the caller sees one logical
// stream whose chunks arrive in round order, with round boundaries
// marked by the Round metadata and RoundComplete chunks, never
// interleaved.
func RunTurnStream(inv *Invocation, settings Settings) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if inv == nil {
			yield(nil, fmt.Errorf("turn: invocation is nil"))
			return
		}
		normalized := normalizeSettings(settings)

		round := 1
		for {
			terminal, stopped, err := streamRound(inv, normalized, func(chunk *Chunk) bool {
				chunk.Round = round
				return yield(chunk, nil)
			})
			if err != nil {
				yield(nil, err)
				return
			}
			if stopped {
				return
			}
			inv.History.Append(terminal.Message)
			if len(terminal.ToolCalls) == 0 {
				return
			}

			messages, limitHit, roundErr := RunRound(inv, terminal.ToolCalls, normalized.Truncation)
			for _, msg := range messages {
				inv.History.Append(msg)
			}
			if roundErr != nil {
				yield(nil, roundErr)
				return
			}
			if limitHit {
				yield(&Chunk{
					RoundComplete: true,
					Complete:      true,
					FinishReason:  model.FinishReasonIterationLimit,
					Round:         round,
				}, nil)
				return
			}
			round++
		}
	}
}

// streamRound opens one provider stream, feeds it through an
// aggregator, and emits chunks as they arrive. A failure before any
// chunk reached the consumer is retried under the settings' policy, in
// which case the round restarts on a fresh stream; once a chunk is out
// the error is surfaced instead, since the consumer already observed
// partial output.
func streamRound(inv *Invocation, settings Settings, emit func(*Chunk) bool) (*Chunk, bool, error) {
	retries := 0
	for {
		agg := NewAggregator()
		req := buildRequest(inv, settings, true)

		var terminal *Chunk
		var streamErr error
		emitted := false
		stopped := false

		for resp, err := range inv.Model.Generate(inv.Context, req) {
			if err != nil {
				streamErr = err
				break
			}
			chunk, aggErr := agg.Feed(resp)
			if aggErr != nil {
				return nil, false, aggErr
			}
			if chunk == nil {
				continue
			}
			if chunk.RoundComplete {
				terminal = chunk
			}
			if !emit(chunk) {
				stopped = true
				break
			}
			emitted = true
		}
		if stopped {
			agg.Fail()
			return nil, true, nil
		}
		if streamErr != nil {
			agg.Fail()
			if emitted || !model.IsRetryable(streamErr) {
				return nil, false, streamErr
			}
			if retries >= settings.Retry.MaxRetries {
				return nil, false, &retry.ExhaustedError{Retries: settings.Retry.MaxRetries, Last: streamErr}
			}
			retries++
			delay := settings.Retry.DelayBefore(retries + 1)
			inv.logger().Warn("retrying provider stream",
				"attempt", retries+1,
				"delay", delay,
				"error", streamErr)
			timer := time.NewTimer(delay)
			select {
			case <-inv.Context.Done():
				timer.Stop()
				return nil, false, inv.Context.Err()
			case <-timer.C:
			}
			continue
		}
		if terminal == nil {
			return nil, false, fmt.Errorf("turn: provider stream ended without a finishing event")
		}
		inv.recordUsage(terminal.Usage)
		return terminal, false, nil
	}
}
