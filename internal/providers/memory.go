package providers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdobrica/ax/internal/ipc"
)

// MemoryProvider is a file-backed long-term memory: one markdown file per
// entry under <data>/memory/<scope>/<key>.md. Retrieval is best effort, a
// case-insensitive substring match; the agent is expected to treat results as
// hints, not ground truth.
type MemoryProvider struct {
	d Deps
}

const defaultMemoryScope = "global"

// Write handles memory_write. A missing key gets a random one.
func (p *MemoryProvider) Write(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	scope := memoryScope(env)
	key := strParam(env, "key")
	if key == "" {
		var buf [6]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("generate memory key: %w", err)
		}
		key = hex.EncodeToString(buf[:])
	}

	dir := filepath.Join(p.memoryRoot(), scope)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create memory scope: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, key+".md"), []byte(strParam(env, "content")), 0o600); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	return map[string]interface{}{"scope": scope, "key": key}, nil
}

// Read handles memory_read.
func (p *MemoryProvider) Read(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	scope, key := memoryScope(env), strParam(env, "key")
	data, err := os.ReadFile(filepath.Join(p.memoryRoot(), scope, key+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("memory not found: %s/%s", scope, key)
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	return map[string]interface{}{"scope": scope, "key": key, "content": string(data)}, nil
}

// Delete handles memory_delete. Deleting a missing entry is not an error.
func (p *MemoryProvider) Delete(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	scope, key := memoryScope(env), strParam(env, "key")
	if err := os.Remove(filepath.Join(p.memoryRoot(), scope, key+".md")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("delete memory: %w", err)
	}
	return map[string]interface{}{"deleted": true}, nil
}

// List handles memory_list: keys in one scope, or all scopes when omitted.
func (p *MemoryProvider) List(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	scope := strParam(env, "scope")
	entries := make(map[string][]string)

	scopes, err := p.scopes(scope)
	if err != nil {
		return nil, err
	}
	for _, sc := range scopes {
		keys, err := p.keysIn(sc)
		if err != nil {
			return nil, err
		}
		entries[sc] = keys
	}
	return map[string]interface{}{"entries": entries}, nil
}

// Query handles memory_query with a case-insensitive substring match over
// entry content and keys.
func (p *MemoryProvider) Query(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	query := strings.ToLower(strParam(env, "query"))
	limit := intParam(env, "limit", 10)

	scopes, err := p.scopes(strParam(env, "scope"))
	if err != nil {
		return nil, err
	}

	var matches []map[string]interface{}
	for _, sc := range scopes {
		keys, err := p.keysIn(sc)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := os.ReadFile(filepath.Join(p.memoryRoot(), sc, key+".md"))
			if err != nil {
				continue
			}
			content := string(data)
			if !strings.Contains(strings.ToLower(content), query) && !strings.Contains(strings.ToLower(key), query) {
				continue
			}
			matches = append(matches, map[string]interface{}{
				"scope":   sc,
				"key":     key,
				"snippet": snippet(content, 240),
			})
			if len(matches) >= limit {
				return map[string]interface{}{"matches": matches}, nil
			}
		}
	}
	if matches == nil {
		matches = []map[string]interface{}{}
	}
	return map[string]interface{}{"matches": matches}, nil
}

func (p *MemoryProvider) memoryRoot() string {
	return filepath.Join(p.d.Config.DataDir, "memory")
}

// scopes returns the single named scope, or every scope directory when the
// name is empty.
func (p *MemoryProvider) scopes(scope string) ([]string, error) {
	if scope != "" {
		return []string{scope}, nil
	}
	entries, err := os.ReadDir(p.memoryRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list memory scopes: %w", err)
	}
	var scopes []string
	for _, e := range entries {
		if e.IsDir() {
			scopes = append(scopes, e.Name())
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (p *MemoryProvider) keysIn(scope string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.memoryRoot(), scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list memory scope %s: %w", scope, err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			keys = append(keys, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func memoryScope(env map[string]interface{}) string {
	if s := strParam(env, "scope"); s != "" {
		return s
	}
	return defaultMemoryScope
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
