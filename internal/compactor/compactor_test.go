package compactor_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bdobrica/ax/internal/bus"
	"github.com/bdobrica/ax/internal/compactor"
)

func makeHistory(n, contentLen int) []bus.Turn {
	turns := make([]bus.Turn, n)
	for i := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		turns[i] = bus.Turn{
			Role:    role,
			Content: fmt.Sprintf("turn-%03d ", i) + strings.Repeat("x", contentLen),
		}
	}
	return turns
}

func TestCompactShortHistoryUntouched(t *testing.T) {
	history := makeHistory(4, 100)
	llm := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		t.Fatal("summariser called for a short history")
		return "", nil
	}

	got := compactor.Compact(context.Background(), history, llm, 1000)
	if len(got) != len(history) {
		t.Fatalf("length changed: got %d, want %d", len(got), len(history))
	}
}

func TestCompactUnderThresholdUntouched(t *testing.T) {
	history := makeHistory(20, 10)
	llm := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		t.Fatal("summariser called under threshold")
		return "", nil
	}

	// 20 turns of ~5 tokens each is well under 75% of a 100k window.
	got := compactor.Compact(context.Background(), history, llm, 100000)
	if len(got) != len(history) {
		t.Fatalf("length changed: got %d, want %d", len(got), len(history))
	}
}

func TestCompactSummarisesOlderTurns(t *testing.T) {
	history := makeHistory(20, 400)

	var sawPrompt string
	llm := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		sawPrompt = prompt
		return "Discussed project layout and agreed on the plan.", nil
	}

	got := compactor.Compact(context.Background(), history, llm, 1000)

	want := compactor.KeepRecentTurns + 2
	if len(got) != want {
		t.Fatalf("length: got %d, want %d", len(got), want)
	}
	if got[0].Role != "user" || !strings.Contains(got[0].Content, "Discussed project layout") {
		t.Errorf("summary turn malformed: %+v", got[0])
	}
	if got[1].Role != "assistant" {
		t.Errorf("acknowledgement role: got %q, want assistant", got[1].Role)
	}

	// The most recent turns survive verbatim, in order.
	recent := history[len(history)-compactor.KeepRecentTurns:]
	for i, turn := range got[2:] {
		if turn.Content != recent[i].Content {
			t.Errorf("recent turn %d rewritten", i)
		}
	}

	// Only older turns went to the summariser.
	if !strings.Contains(sawPrompt, "turn-000") {
		t.Error("oldest turn missing from summarisation prompt")
	}
	if strings.Contains(sawPrompt, "turn-019") {
		t.Error("recent turn leaked into summarisation prompt")
	}
}

func TestCompactSummariserFailureDropsOldTurns(t *testing.T) {
	history := makeHistory(20, 400)
	llm := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	}

	got := compactor.Compact(context.Background(), history, llm, 1000)
	if len(got) != compactor.KeepRecentTurns {
		t.Fatalf("length: got %d, want %d", len(got), compactor.KeepRecentTurns)
	}
	if got[0].Content != history[len(history)-compactor.KeepRecentTurns].Content {
		t.Error("recent slice not preserved after summariser failure")
	}
}

func TestCompactEmptySummaryDropsOldTurns(t *testing.T) {
	history := makeHistory(20, 400)
	llm := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "   \n", nil
	}

	got := compactor.Compact(context.Background(), history, llm, 1000)
	if len(got) != compactor.KeepRecentTurns {
		t.Fatalf("length: got %d, want %d", len(got), compactor.KeepRecentTurns)
	}
}

func TestEstimateTokensGrowsWithContent(t *testing.T) {
	small := compactor.EstimateTokens(makeHistory(2, 40))
	large := compactor.EstimateTokens(makeHistory(2, 4000))
	if small >= large {
		t.Errorf("estimate did not grow: small=%d large=%d", small, large)
	}
	if compactor.EstimateTokens(nil) != 0 {
		t.Error("empty history estimate is non-zero")
	}
}
