package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/store"
)

// WorkspaceProvider exposes three file tiers to the agent: agent (shared
// across sessions), user (per calling user) and scratch (per session,
// ephemeral). Tier roots are resolved host-side; the agent only ever supplies
// a relative path inside the tier.
type WorkspaceProvider struct {
	d Deps
}

const maxWorkspaceFileBytes = 1 << 20

// Write handles workspace_write. Content is scanned like any other inbound
// text. Agent-tier writes are refused in paranoid, where shared state changes
// go through the proposal flow instead.
func (p *WorkspaceProvider) Write(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	tier := strParam(env, "tier")
	relPath := strParam(env, "path")
	content := strParam(env, "content")

	if tier == "agent" && p.d.Config.Profile == config.ProfileParanoid {
		p.d.audit(ctx, rc.SessionID, "workspace_write", "rejected", store.AuditPayload{
			"tier": tier, "path": relPath, "reason": "agent tier is read-only in paranoid",
		})
		return nil, fmt.Errorf("agent tier writes require approval under the paranoid profile")
	}

	if res := p.d.Scanner.ScanInput(content); res.Verdict == scanner.VerdictBlock {
		p.d.audit(ctx, rc.SessionID, "workspace_write", "blocked", store.AuditPayload{
			"tier": tier, "path": relPath, "reason": res.Reason,
		})
		return nil, fmt.Errorf("content failed security scan: %s", res.Reason)
	}

	full, err := p.resolve(rc, tier, relPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return nil, fmt.Errorf("create workspace dirs: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write workspace file: %w", err)
	}

	p.d.audit(ctx, rc.SessionID, "workspace_write", "success", store.AuditPayload{
		"tier": tier, "path": relPath, "bytes": len(content),
	})
	return map[string]interface{}{"written": true, "path": relPath}, nil
}

// Read handles workspace_read.
func (p *WorkspaceProvider) Read(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	tier := strParam(env, "tier")
	relPath := strParam(env, "path")

	full, err := p.resolve(rc, tier, relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", relPath)
		}
		return nil, fmt.Errorf("stat workspace file: %w", err)
	}
	if info.Size() > maxWorkspaceFileBytes {
		return nil, fmt.Errorf("file exceeds %d byte limit", maxWorkspaceFileBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read workspace file: %w", err)
	}
	return map[string]interface{}{"content": string(data), "path": relPath}, nil
}

// List handles workspace_list. The path field is optional and scopes the
// listing to a subdirectory.
func (p *WorkspaceProvider) List(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	tier := strParam(env, "tier")
	relPath := strParam(env, "path")

	root, err := p.resolve(rc, tier, relPath)
	if err != nil {
		return nil, err
	}

	var files []map[string]interface{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		name := rel
		if relPath != "" {
			name = filepath.Join(relPath, rel)
		}
		files = append(files, map[string]interface{}{
			"path":     name,
			"size":     info.Size(),
			"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i]["path"].(string) < files[j]["path"].(string)
	})
	return map[string]interface{}{"files": files}, nil
}

// resolve maps (tier, relative path) to an absolute host path and rejects
// anything that escapes the tier root. The schema's identifier pattern
// already forbids traversal; this check is load-bearing anyway because tier
// roots vary per request context.
func (p *WorkspaceProvider) resolve(rc ipc.RequestContext, tier, relPath string) (string, error) {
	var root string
	switch tier {
	case "agent":
		root = filepath.Join(p.d.Config.AgentDir(), "workspace")
	case "user":
		if rc.UserID == "" {
			return "", fmt.Errorf("no user in request context")
		}
		root = filepath.Join(p.d.Config.AgentDir(), "users", rc.UserID, "workspace")
	case "scratch":
		if p.d.ScratchDir == "" {
			return "", fmt.Errorf("no scratch directory for this session")
		}
		root = p.d.ScratchDir
	default:
		return "", fmt.Errorf("unknown workspace tier: %s", tier)
	}

	if relPath == "" {
		return root, nil
	}
	full := filepath.Join(root, filepath.Clean("/"+relPath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace tier")
	}
	return full, nil
}
