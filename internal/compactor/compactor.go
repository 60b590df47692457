// Package compactor keeps conversation histories inside the model context
// window. When the estimated token count of a session's history crosses a
// fraction of the window, the older turns are summarised through the host
// LLM and replaced by a two-turn summary exchange; the most recent turns are
// always preserved verbatim.
package compactor

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/ax/internal/bus"
	"github.com/bdobrica/ax/internal/observability"
)

const (
	// KeepRecentTurns is how many trailing turns survive compaction intact.
	KeepRecentTurns = 6

	// CompactionThreshold is the fraction of the context window at which
	// compaction kicks in.
	CompactionThreshold = 0.75

	// summaryInstruction is the fixed prompt for the summarisation call.
	summaryInstruction = "Summarise the following conversation. Preserve key facts, " +
		"decisions made, and any file paths or code references, so the conversation " +
		"can continue without the full transcript. Reply with the summary only."

	// summaryMaxTokens bounds the summarisation reply.
	summaryMaxTokens = 1024
)

// LLMCall asks the host LLM for a completion of prompt. The compactor invokes
// it through IPC, so it inherits the IPC timeout.
type LLMCall func(ctx context.Context, prompt string, maxTokens int) (string, error)

// EstimateTokens is the deterministic per-turn estimate used against the
// context window: one token per four bytes plus a small role-framing
// overhead per turn.
func EstimateTokens(history []bus.Turn) int {
	const perTurnOverhead = 4
	total := 0
	for _, t := range history {
		total += len(t.Content)/4 + perTurnOverhead
	}
	return total
}

// Compact returns history unchanged when it is short enough, otherwise
// summarises everything but the last KeepRecentTurns turns. If the
// summariser fails or returns empty text, the old turns are dropped and only
// the recent slice survives.
func Compact(ctx context.Context, history []bus.Turn, llmCall LLMCall, contextWindow int) []bus.Turn {
	if len(history) <= KeepRecentTurns {
		return history
	}
	if float64(EstimateTokens(history)) <= CompactionThreshold*float64(contextWindow) {
		return history
	}

	split := len(history) - KeepRecentTurns
	older, recent := history[:split], history[split:]

	summary, err := summarise(ctx, older, llmCall)
	if err != nil || strings.TrimSpace(summary) == "" {
		observability.WithTrace(ctx).Warn("compactor: summarisation failed; dropping old turns",
			"dropped", len(older), "err", err)
		return append([]bus.Turn(nil), recent...)
	}

	compacted := make([]bus.Turn, 0, len(recent)+2)
	compacted = append(compacted,
		bus.Turn{
			Role: "user",
			Content: fmt.Sprintf("[Conversation summary of %d earlier messages]\n\n%s",
				len(older), summary),
		},
		bus.Turn{
			Role:    "assistant",
			Content: "I understand. Continuing from that context.",
		},
	)
	return append(compacted, recent...)
}

// summarise formats the old turns as a transcript and asks the host LLM for
// a summary.
func summarise(ctx context.Context, older []bus.Turn, llmCall LLMCall) (string, error) {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	b.WriteString("\n\n")
	for _, t := range older {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return llmCall(ctx, b.String(), summaryMaxTokens)
}
