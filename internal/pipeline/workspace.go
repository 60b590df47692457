package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdobrica/ax/internal/config"
)

// workspaceTTL is how long an inactive persistent workspace survives before
// garbage collection.
const workspaceTTL = 7 * 24 * time.Hour

// workspaceFor returns the workspace for a session. Persistent sessions get
// a deterministic directory under the data dir; ephemeral sessions get a
// fresh temp directory the caller must remove.
func workspaceFor(cfg *config.Config, sessionID string, ephemeral bool) (dir string, cleanup func(), err error) {
	if ephemeral {
		dir, err = os.MkdirTemp("", "ax-workspace-")
		if err != nil {
			return "", nil, fmt.Errorf("create ephemeral workspace: %w", err)
		}
		return dir, func() { _ = os.RemoveAll(dir) }, nil
	}

	dir = filepath.Join(cfg.WorkspacesDir(), sessionDirName(sessionID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}
	return dir, func() {}, nil
}

// sessionDirName makes a session key filesystem-safe. Keys contain colons
// and arbitrary identifier bytes; a hash suffix keeps distinct keys distinct
// after sanitisation.
func sessionDirName(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	var b strings.Builder
	for _, r := range sessionID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= 48 {
			break
		}
	}
	return b.String() + "-" + hex.EncodeToString(sum[:6])
}

// syncSkills mirrors the host skills directory into <workspace>/skills:
// every host *.md is copied in, and any workspace skill no longer on the
// host is deleted.
func syncSkills(skillsDir, workspace string) (string, error) {
	dst := filepath.Join(workspace, "skills")
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return "", fmt.Errorf("create skills dir: %w", err)
	}

	hostSkills := make(map[string]bool)
	entries, err := os.ReadDir(skillsDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read host skills: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		hostSkills[e.Name()] = true
		data, err := os.ReadFile(filepath.Join(skillsDir, e.Name()))
		if err != nil {
			return "", fmt.Errorf("read skill %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0o600); err != nil {
			return "", fmt.Errorf("copy skill %s: %w", e.Name(), err)
		}
	}

	stale, err := os.ReadDir(dst)
	if err != nil {
		return "", fmt.Errorf("read workspace skills: %w", err)
	}
	for _, e := range stale {
		if !hostSkills[e.Name()] {
			if err := os.RemoveAll(filepath.Join(dst, e.Name())); err != nil {
				return "", fmt.Errorf("remove stale skill %s: %w", e.Name(), err)
			}
		}
	}
	return dst, nil
}

// CollectGarbage removes persistent workspaces untouched for the TTL.
func CollectGarbage(cfg *config.Config) error {
	entries, err := os.ReadDir(cfg.WorkspacesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspaces dir: %w", err)
	}
	cutoff := time.Now().Add(-workspaceTTL)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(cfg.WorkspacesDir(), e.Name())); err != nil {
				return fmt.Errorf("remove stale workspace %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
