package tool

import (
	"fmt"
	"unicode/utf8"
)

const approxRunesPerToken = 4

// TruncationPolicy bounds how much of a tool result is rendered into
// the conversation.
type TruncationPolicy struct {
	MaxTokens int
}

// DefaultTruncationPolicy returns the tool output truncation default.
func DefaultTruncationPolicy() TruncationPolicy {
	return TruncationPolicy{MaxTokens: 10000}
}

// TruncationInfo describes truncation that was applied.
type TruncationInfo struct {
	Truncated       bool
	MaxTokens       int
	EstimatedTokens int
	OmittedItems    int
}

// TruncateMap trims oversized string values and over-long collections
// in a tool result so the rendered result stays within the policy's
// token budget. Keys are never dropped silently: omissions are counted
// in the returned info and annotated on the result.
func TruncateMap(input map[string]any, policy TruncationPolicy) (map[string]any, TruncationInfo) {
	info := TruncationInfo{MaxTokens: policy.MaxTokens}
	if policy.MaxTokens <= 0 || input == nil {
		return input, info
	}
	info.EstimatedTokens = estimateValueTokens(input)
	if info.EstimatedTokens <= policy.MaxTokens {
		return input, info
	}

	remaining := policy.MaxTokens
	out, omitted := truncateValue(input, &remaining)
	result, _ := out.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	info.Truncated = true
	info.OmittedItems = omitted
	return result, info
}

// AddTruncationMeta annotates a truncated result so the model can see
// output was cut.
func AddTruncationMeta(result map[string]any, info TruncationInfo) map[string]any {
	if !info.Truncated {
		return result
	}
	if result == nil {
		result = map[string]any{}
	}
	result["_truncated"] = fmt.Sprintf("output truncated to ~%d tokens, %d items omitted", info.MaxTokens, info.OmittedItems)
	return result
}

func truncateValue(value any, remaining *int) (any, int) {
	if *remaining <= 0 {
		return nil, 1
	}
	switch v := value.(type) {
	case string:
		tokens := estimateTextTokens(v)
		if tokens <= *remaining {
			*remaining -= tokens
			return v, 0
		}
		keep := *remaining * approxRunesPerToken
		*remaining = 0
		return truncateString(v, keep) + "…", 0
	case map[string]any:
		out := make(map[string]any, len(v))
		omitted := 0
		for key, item := range v {
			if *remaining <= 0 {
				omitted++
				continue
			}
			kept, dropped := truncateValue(item, remaining)
			omitted += dropped
			if dropped == 0 || kept != nil {
				out[key] = kept
			}
		}
		return out, omitted
	case []any:
		out := make([]any, 0, len(v))
		omitted := 0
		for _, item := range v {
			if *remaining <= 0 {
				omitted++
				continue
			}
			kept, dropped := truncateValue(item, remaining)
			omitted += dropped
			if dropped == 0 {
				out = append(out, kept)
			}
		}
		return out, omitted
	default:
		tokens := estimateValueTokens(v)
		if tokens > *remaining {
			*remaining = 0
			return nil, 1
		}
		*remaining -= tokens
		return v, 0
	}
}

func truncateString(s string, runes int) string {
	if runes <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == runes {
			return s[:i]
		}
		count++
	}
	return s
}

func estimateValueTokens(value any) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return estimateTextTokens(v)
	case map[string]any:
		total := 0
		for key, item := range v {
			total += estimateTextTokens(key) + estimateValueTokens(item)
		}
		return total
	case []any:
		total := 0
		for _, item := range v {
			total += estimateValueTokens(item)
		}
		return total
	default:
		return estimateTextTokens(fmt.Sprint(v))
	}
}

func estimateTextTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	tokens := runes / approxRunesPerToken
	if runes%approxRunesPerToken != 0 {
		tokens++
	}
	return tokens
}
