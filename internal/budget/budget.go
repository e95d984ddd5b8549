// Package budget fits a coach prompt into the model's context window. Counts
// come from a Counter; the default Heuristic uses 1 token ≈ 4 characters,
// which leaves headroom for model-specific overhead on every chat backend.
// Callers that know the encoding can plug in a BPE counter instead.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used by Heuristic.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost in most chat APIs.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Fits within 8k-context models (Llama 3 8B, GPT-3.5) with room for the
	// output.
	DefaultMaxContextTokens = 6000
)

// Counter returns the token count of s.
type Counter interface {
	Count(s string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(s string) int

// Count calls f(s).
func (f CounterFunc) Count(s string) int { return f(s) }

// Heuristic is the character-based Counter.
var Heuristic Counter = CounterFunc(Estimate)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	return CountMessages(Heuristic, msgs)
}

// CountMessages is EstimateMessages with an explicit Counter.
func CountMessages(c Counter, msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += c.Count(string(m.Role))
		total += c.Count(m.Content)
	}
	return total
}

// TrimHistory removes the oldest messages from history until the total
// estimated token count of fixed + history fits within maxTokens. fixed holds
// messages that are never dropped (system prompt, retrieved content, the
// current question). history holds prior turns, dropped oldest-first.
//
// If even an empty history exceeds the budget, the empty slice is returned.
// Callers warn separately if fixed alone is over budget.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	return TrimHistoryWith(Heuristic, fixed, history, maxTokens)
}

// TrimHistoryWith is TrimHistory with an explicit Counter.
func TrimHistoryWith(c Counter, fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := CountMessages(c, fixed)

	// History is typically ≤20 messages, so a linear scan is fine.
	for len(history) > 0 {
		if fixedTokens+CountMessages(c, history) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}

// TrimContext keeps the longest prefix of ranked context blocks whose total
// count fits within maxTokens. Blocks are assumed ordered best-first, so the
// lowest ranked ones go first. The first block is always kept when blocks is
// non-empty so an answer never loses all of its grounding.
func TrimContext(c Counter, blocks []string, maxTokens int) []string {
	if len(blocks) == 0 {
		return blocks
	}
	total := 0
	for i, b := range blocks {
		total += c.Count(b)
		if total > maxTokens {
			if i == 0 {
				return blocks[:1]
			}
			return blocks[:i]
		}
	}
	return blocks
}
