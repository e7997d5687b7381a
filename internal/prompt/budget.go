package prompt

import (
	"github.com/nidhogg/cot-agent/internal/provider"
)

const truncatedMark = "\n...[已截断]"

// Budget bounds the variable parts of a prompt. Zero values disable a limit.
type Budget struct {
	// HistoryTokens caps the estimated tokens of rendered chat history.
	// The oldest turns are dropped first.
	HistoryTokens int `json:"history_tokens"`
	// ObservationChars caps each rendered observation.
	ObservationChars int `json:"observation_chars"`
}

// DefaultBudget returns the limits used when none are configured.
func DefaultBudget() Budget {
	return Budget{HistoryTokens: 8000, ObservationChars: 4000}
}

// fitHistory keeps the newest messages whose estimated size fits the budget.
func (b Budget) fitHistory(msgs []provider.Message) []provider.Message {
	if b.HistoryTokens <= 0 {
		return msgs
	}
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += estimateTokensStr(msgs[i].Content)
		if total > b.HistoryTokens {
			break
		}
		cut = i
	}
	return msgs[cut:]
}

// truncate shortens an observation to the configured size, keeping whole runes.
func (b Budget) truncate(s string) string {
	if b.ObservationChars <= 0 || len(s) <= b.ObservationChars {
		return s
	}
	r := []rune(s)
	if len(r) <= b.ObservationChars {
		return s
	}
	return string(r[:b.ObservationChars]) + truncatedMark
}

// estimateTokensStr estimates tokens for a single string.
// Rough heuristic: ~4 bytes per token for mixed CJK/English.
func estimateTokensStr(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
