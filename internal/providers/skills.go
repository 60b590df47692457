package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/store"
)

// SkillProvider serves the host skills directory. Skills are markdown files;
// the sandbox gets a read-only copy in its workspace, so skill_read mostly
// matters for skills added mid-session. Proposed skills land in a staging
// directory the user promotes by hand (or via the CLI), never directly into
// the live set.
type SkillProvider struct {
	d Deps
}

const proposedSkillsDir = ".proposed"

// List handles skill_list.
func (p *SkillProvider) List(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	entries, err := os.ReadDir(p.d.Config.SkillsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{"skills": []string{}}, nil
		}
		return nil, fmt.Errorf("list skills: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return map[string]interface{}{"skills": names}, nil
}

// Read handles skill_read.
func (p *SkillProvider) Read(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	name := skillFileName(strParam(env, "name"))
	data, err := os.ReadFile(filepath.Join(p.d.Config.SkillsDir(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("skill not found: %s", strings.TrimSuffix(name, ".md"))
		}
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return map[string]interface{}{"name": strings.TrimSuffix(name, ".md"), "content": string(data)}, nil
}

// Propose handles skill_propose. It is a sensitive action: a tainted session
// may not plant new instructions into the skill set.
func (p *SkillProvider) Propose(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	if dec := p.d.Budget.CheckAction(rc.SessionID, "skill_propose"); !dec.Allowed {
		p.d.audit(ctx, rc.SessionID, "skill_propose", "blocked", store.AuditPayload{
			"name": strParam(env, "name"), "reason": dec.Reason,
		})
		return nil, fmt.Errorf("action blocked by taint budget: %s", dec.Reason)
	}

	name := strParam(env, "name")
	content := strParam(env, "content")
	reason := strParam(env, "reason")

	if res := p.d.Scanner.ScanInput(content); res.Verdict == scanner.VerdictBlock {
		p.d.audit(ctx, rc.SessionID, "skill_propose", "blocked", store.AuditPayload{
			"name": name, "reason": res.Reason,
		})
		return nil, fmt.Errorf("content failed security scan: %s", res.Reason)
	}

	dir := filepath.Join(p.d.Config.SkillsDir(), proposedSkillsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create proposed skills dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, skillFileName(name)), []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write proposed skill: %w", err)
	}

	p.d.audit(ctx, rc.SessionID, "skill_propose", "queued", store.AuditPayload{
		"name": name, "reason": reason,
	})
	return map[string]interface{}{"queued": true, "name": name}, nil
}

func skillFileName(name string) string {
	if strings.HasSuffix(name, ".md") {
		return name
	}
	return name + ".md"
}
