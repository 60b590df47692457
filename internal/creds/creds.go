// Package creds owns every upstream credential: loading the host .env file,
// keeping the OAuth access token fresh, and handing tokens to the upstream
// client and proxy. Nothing in this package is ever exposed to a sandbox.
package creds

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/bdobrica/ax/common/crypto"
	"github.com/bdobrica/ax/internal/upstream"
)

// Environment variable names. The access token doubles as the bearer the
// proxy injects; the refresh token and expiry drive the refresher.
const (
	EnvAPIKey       = "ANTHROPIC_API_KEY"
	EnvAccessToken  = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvRefreshToken = "AX_OAUTH_REFRESH_TOKEN"
	EnvExpiresAt    = "AX_OAUTH_EXPIRES_AT"
	EnvPassphrase   = "AX_CREDS_PASSPHRASE"
)

const encPrefix = "enc:"

// secretKeys are the .env values stored encrypted when a passphrase is set.
var secretKeys = []string{EnvAccessToken, EnvRefreshToken}

// LoadEnvFile loads the host .env file into the process environment and
// decrypts any encrypted values. A missing file is fine; credentials may
// arrive through the real environment instead.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("creds: load env file: %w", err)
	}
	key := passphraseKey()
	if key == nil {
		return nil
	}
	for _, name := range secretKeys {
		val := os.Getenv(name)
		if !strings.HasPrefix(val, encPrefix) {
			continue
		}
		plain, err := decryptValue(key, val)
		if err != nil {
			return fmt.Errorf("creds: decrypt %s: %w", name, err)
		}
		if err := os.Setenv(name, plain); err != nil {
			return fmt.Errorf("creds: set %s: %w", name, err)
		}
	}
	return nil
}

// HasCredentials reports whether any upstream credential is configured.
func HasCredentials() bool {
	return os.Getenv(EnvAPIKey) != "" || os.Getenv(EnvAccessToken) != ""
}

// SecretValues returns the credential values currently set, for redacting
// agent output and log lines. Unset credentials are omitted.
func SecretValues() []string {
	var out []string
	for _, name := range []string{EnvAPIKey, EnvAccessToken, EnvRefreshToken} {
		if v := os.Getenv(name); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Source yields the current upstream credential, preferring the API key.
// Resolved per call so a refresh between requests is picked up.
func Source() upstream.CredentialSource {
	return func(ctx context.Context) (upstream.Credential, error) {
		if key := os.Getenv(EnvAPIKey); key != "" {
			return upstream.Credential{Mode: upstream.CredModeKey, Token: key}, nil
		}
		if tok := os.Getenv(EnvAccessToken); tok != "" {
			return upstream.Credential{Mode: upstream.CredModeOAuth, Token: tok}, nil
		}
		return upstream.Credential{}, fmt.Errorf("no upstream credentials configured")
	}
}

// passphraseKey derives the at-rest key from the passphrase, or nil when
// at-rest encryption is not configured.
func passphraseKey() []byte {
	pass := os.Getenv(EnvPassphrase)
	if pass == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(pass))
	return sum[:]
}

func encryptValue(key []byte, plain string) (string, error) {
	out, err := crypto.Encrypt(key, []byte(plain))
	if err != nil {
		return "", err
	}
	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func decryptValue(key []byte, stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	plain, err := crypto.Decrypt(key, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
