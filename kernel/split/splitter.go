// Package split breaks oversized requests into budget-sized pieces and
// drives them through the turn engine strictly in sequence.
package split

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TokenCounter counts tokens in text. It must be deterministic and
// side-effect-free.
type TokenCounter func(string) int

// EstimateTokens is the fallback counter used when no tokenizer is
// wired in: one token per four runes, rounded up.
func EstimateTokens(text string) int {
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

// Payload is one oversized request to be split: a message, optional
// structured data and optional trailing text, rendered in that order
// separated by blank lines.
type Payload struct {
	Message  string
	Data     any
	Trailing string
}

// Splitter slices payloads so each rendered piece fits Budget tokens.
// Only the data block is ever split; message and trailing text are
// carried on every piece around the piece's data segment.
type Splitter struct {
	Budget int
	Count  TokenCounter
}

// NewSplitter returns a splitter for the given budget.
func NewSplitter(budget int, count TokenCounter) (*Splitter, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("split: token budget must be positive, got %d", budget)
	}
	if count == nil {
		count = EstimateTokens
	}
	return &Splitter{Budget: budget, Count: count}, nil
}

// Split returns an ordered, non-empty sequence of rendered pieces.
// When no split is needed the single piece is exactly the rendered
// payload. When the data block is split, concatenating the data
// segments of all pieces reproduces the serialized data losslessly.
func (s *Splitter) Split(p Payload) ([]string, error) {
	if s == nil || s.Budget <= 0 {
		return nil, fmt.Errorf("split: splitter is not configured")
	}
	data, err := serializeData(p.Data)
	if err != nil {
		return nil, err
	}
	whole := render(p.Message, data, p.Trailing)
	if whole == "" {
		return nil, fmt.Errorf("split: payload is empty")
	}
	if s.Count(whole) <= s.Budget {
		return []string{whole}, nil
	}
	if data == "" {
		return nil, fmt.Errorf("split: message and trailing text exceed token budget %d and carry no splittable data", s.Budget)
	}

	segments, err := s.splitData(p.Message, data, p.Trailing)
	if err != nil {
		return nil, err
	}
	pieces := make([]string, 0, len(segments))
	for _, segment := range segments {
		pieces = append(pieces, render(p.Message, segment, p.Trailing))
	}
	return pieces, nil
}

// splitData greedily packs data lines into segments, falling back to
// rune windows for single lines that alone blow the budget. Segments
// concatenate back to the original data exactly.
func (s *Splitter) splitData(message, data, trailing string) ([]string, error) {
	fits := func(segment string) bool {
		return s.Count(render(message, segment, trailing)) <= s.Budget
	}

	var units []string
	for _, line := range strings.SplitAfter(data, "\n") {
		if line == "" {
			continue
		}
		if fits(line) {
			units = append(units, line)
			continue
		}
		windows, err := runeWindows(line, fits)
		if err != nil {
			return nil, err
		}
		units = append(units, windows...)
	}

	var segments []string
	var current strings.Builder
	for _, unit := range units {
		if current.Len() > 0 && !fits(current.String()+unit) {
			segments = append(segments, current.String())
			current.Reset()
		}
		current.WriteString(unit)
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("split: data produced no segments")
	}
	return segments, nil
}

// runeWindows chops text into the largest prefixes that still fit.
func runeWindows(text string, fits func(string) bool) ([]string, error) {
	var out []string
	rest := text
	for rest != "" {
		window := rest
		for window != "" && !fits(window) {
			_, size := utf8.DecodeLastRuneInString(window)
			window = window[:len(window)-size]
		}
		if window == "" {
			return nil, fmt.Errorf("split: token budget too small to hold any data alongside message and trailing text")
		}
		out = append(out, window)
		rest = rest[len(window):]
	}
	return out, nil
}

// serializeData renders structured data with stable key ordering.
// Strings pass through untouched.
func serializeData(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("split: serialize data: %w", err)
		}
		return string(raw), nil
	}
}

// Render serializes a payload into the single-piece request text.
func Render(p Payload) (string, error) {
	data, err := serializeData(p.Data)
	if err != nil {
		return "", err
	}
	rendered := render(p.Message, data, p.Trailing)
	if rendered == "" {
		return "", fmt.Errorf("split: payload is empty")
	}
	return rendered, nil
}

func render(message, data, trailing string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{message, data, trailing} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}
