package providers

import (
	"context"
	"strings"
	"testing"
)

func memoryProvider(t *testing.T) *MemoryProvider {
	t.Helper()
	return &MemoryProvider{d: newTestDeps(t)}
}

func memWrite(t *testing.T, p *MemoryProvider, scope, key, content string) {
	t.Helper()
	env := map[string]interface{}{"content": content}
	if scope != "" {
		env["scope"] = scope
	}
	if key != "" {
		env["key"] = key
	}
	if _, err := p.Write(context.Background(), testRC(), env); err != nil {
		t.Fatalf("memory write %s/%s: %v", scope, key, err)
	}
}

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	p := memoryProvider(t)
	memWrite(t, p, "preferences", "coffee", "Alice takes her coffee black.")

	res, err := p.Read(context.Background(), testRC(), map[string]interface{}{
		"scope": "preferences", "key": "coffee",
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	out := res.(map[string]interface{})
	if out["content"] != "Alice takes her coffee black." {
		t.Errorf("content: %q", out["content"])
	}
}

func TestMemoryWriteGeneratesKey(t *testing.T) {
	p := memoryProvider(t)

	res, err := p.Write(context.Background(), testRC(), map[string]interface{}{
		"content": "keyless entry",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := res.(map[string]interface{})
	if out["scope"] != "global" {
		t.Errorf("scope: %q", out["scope"])
	}
	key, _ := out["key"].(string)
	if len(key) != 12 {
		t.Errorf("generated key: %q", key)
	}
}

func TestMemoryReadMissing(t *testing.T) {
	p := memoryProvider(t)
	_, err := p.Read(context.Background(), testRC(), map[string]interface{}{"key": "ghost"})
	if err == nil || !strings.Contains(err.Error(), "memory not found") {
		t.Errorf("err: %v", err)
	}
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	p := memoryProvider(t)
	memWrite(t, p, "", "fact", "something")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Delete(ctx, testRC(), map[string]interface{}{"key": "fact"}); err != nil {
			t.Fatalf("Delete (pass %d): %v", i+1, err)
		}
	}
	if _, err := p.Read(ctx, testRC(), map[string]interface{}{"key": "fact"}); err == nil {
		t.Error("entry survived delete")
	}
}

func TestMemoryListGroupsByScope(t *testing.T) {
	p := memoryProvider(t)
	memWrite(t, p, "preferences", "coffee", "black")
	memWrite(t, p, "preferences", "alarm", "07:00")
	memWrite(t, p, "projects", "ax", "security-first host")

	res, err := p.List(context.Background(), testRC(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	entries := res.(map[string]interface{})["entries"].(map[string][]string)
	if got := entries["preferences"]; len(got) != 2 || got[0] != "alarm" || got[1] != "coffee" {
		t.Errorf("preferences keys: %v", got)
	}
	if got := entries["projects"]; len(got) != 1 || got[0] != "ax" {
		t.Errorf("projects keys: %v", got)
	}

	// A scoped listing sees only that scope.
	res, err = p.List(context.Background(), testRC(), map[string]interface{}{"scope": "projects"})
	if err != nil {
		t.Fatalf("List scoped: %v", err)
	}
	entries = res.(map[string]interface{})["entries"].(map[string][]string)
	if len(entries) != 1 || len(entries["projects"]) != 1 {
		t.Errorf("scoped entries: %v", entries)
	}
}

func TestMemoryQueryMatchesContentAndKey(t *testing.T) {
	p := memoryProvider(t)
	memWrite(t, p, "global", "coffee", "Alice drinks ESPRESSO in the morning.")
	memWrite(t, p, "global", "espresso-machine", "descaled last month")
	memWrite(t, p, "global", "unrelated", "nothing to see")

	res, err := p.Query(context.Background(), testRC(), map[string]interface{}{
		"query": "espresso",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	matches := res.(map[string]interface{})["matches"].([]map[string]interface{})
	if len(matches) != 2 {
		t.Fatalf("matches: %+v", matches)
	}
}

func TestMemoryQueryHonoursLimit(t *testing.T) {
	p := memoryProvider(t)
	for _, key := range []string{"a", "b", "c"} {
		memWrite(t, p, "global", key, "the same needle everywhere")
	}

	res, err := p.Query(context.Background(), testRC(), map[string]interface{}{
		"query": "needle", "limit": float64(2),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	matches := res.(map[string]interface{})["matches"].([]map[string]interface{})
	if len(matches) != 2 {
		t.Errorf("matches: got %d, want 2", len(matches))
	}
}

func TestMemoryQueryNoMatches(t *testing.T) {
	p := memoryProvider(t)
	res, err := p.Query(context.Background(), testRC(), map[string]interface{}{
		"query": "anything",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	matches := res.(map[string]interface{})["matches"].([]map[string]interface{})
	if matches == nil || len(matches) != 0 {
		t.Errorf("matches: %+v", matches)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("m", 500)
	got := snippet(long, 240)
	if len(got) != 243 || !strings.HasSuffix(got, "...") {
		t.Errorf("snippet: len %d", len(got))
	}
	if got := snippet("  short  ", 240); got != "short" {
		t.Errorf("short snippet: %q", got)
	}
}
