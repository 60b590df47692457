package creds

import (
	"fmt"
	"os"
	"strings"
)

// RewriteEnvFile replaces the values of the given keys in a dotenv file,
// preserving comments, blank lines, ordering, and every unrelated key byte
// for byte. Keys not present are appended. Secret values are written
// encrypted when a passphrase is configured.
func RewriteEnvFile(path string, updates map[string]string) error {
	encoded := make(map[string]string, len(updates))
	key := passphraseKey()
	for name, value := range updates {
		if key != nil && isSecretKey(name) {
			enc, err := encryptValue(key, value)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", name, err)
			}
			encoded[name] = enc
			continue
		}
		encoded[name] = value
	}

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(string(data), "\n")
	case os.IsNotExist(err):
		lines = nil
	default:
		return fmt.Errorf("read env file: %w", err)
	}

	seen := make(map[string]bool, len(encoded))
	for i, line := range lines {
		name := envLineKey(line)
		if name == "" {
			continue
		}
		if value, ok := encoded[name]; ok {
			lines[i] = name + "=" + value
			seen[name] = true
		}
	}

	// Trim one trailing empty line so appends do not accumulate blanks.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for _, name := range []string{EnvAccessToken, EnvRefreshToken, EnvExpiresAt} {
		if value, ok := encoded[name]; ok && !seen[name] {
			lines = append(lines, name+"="+value)
		}
	}
	for name, value := range encoded {
		if !seen[name] && !isTokenKey(name) {
			lines = append(lines, name+"="+value)
		}
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

// envLineKey extracts the key of a KEY=VALUE line, or "" for comments and
// anything else.
func envLineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return ""
	}
	return strings.TrimSpace(trimmed[:eq])
}

func isSecretKey(name string) bool {
	for _, k := range secretKeys {
		if k == name {
			return true
		}
	}
	return false
}

func isTokenKey(name string) bool {
	return name == EnvAccessToken || name == EnvRefreshToken || name == EnvExpiresAt
}
