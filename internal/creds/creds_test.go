package creds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/ax/internal/upstream"
)

// clearCredEnv blanks every credential variable for the test's duration.
func clearCredEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvAPIKey, EnvAccessToken, EnvRefreshToken, EnvExpiresAt, EnvPassphrase} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestSecretValues(t *testing.T) {
	clearCredEnv(t)
	if got := SecretValues(); len(got) != 0 {
		t.Errorf("no credentials set, got %v", got)
	}

	t.Setenv(EnvAPIKey, "sk-ant-key")
	t.Setenv(EnvAccessToken, "oauth-access")
	got := SecretValues()
	if len(got) != 2 || got[0] != "sk-ant-key" || got[1] != "oauth-access" {
		t.Errorf("SecretValues() = %v", got)
	}
}

// --- .env rewriting ---

func TestRewriteEnvFilePreservesLayout(t *testing.T) {
	clearCredEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	original := "# AX host credentials\n" +
		"TAVILY_API_KEY=tvly-123\n" +
		"\n" +
		"CLAUDE_CODE_OAUTH_TOKEN=old-access\n" +
		"AX_OAUTH_REFRESH_TOKEN=old-refresh\n" +
		"AX_OAUTH_EXPIRES_AT=100\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	err := RewriteEnvFile(path, map[string]string{
		EnvAccessToken:  "new-access",
		EnvRefreshToken: "new-refresh",
		EnvExpiresAt:    "200",
	})
	if err != nil {
		t.Fatalf("RewriteEnvFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	want := "# AX host credentials\n" +
		"TAVILY_API_KEY=tvly-123\n" +
		"\n" +
		"CLAUDE_CODE_OAUTH_TOKEN=new-access\n" +
		"AX_OAUTH_REFRESH_TOKEN=new-refresh\n" +
		"AX_OAUTH_EXPIRES_AT=200\n"
	if string(data) != want {
		t.Errorf("file:\n%s\nwant:\n%s", data, want)
	}
}

func TestRewriteEnvFileAppendsMissingKeys(t *testing.T) {
	clearCredEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OTHER=value\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	err := RewriteEnvFile(path, map[string]string{
		EnvAccessToken: "tok",
		EnvExpiresAt:   "300",
	})
	if err != nil {
		t.Fatalf("RewriteEnvFile: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "OTHER=value\n" +
		"CLAUDE_CODE_OAUTH_TOKEN=tok\n" +
		"AX_OAUTH_EXPIRES_AT=300\n"
	if string(data) != want {
		t.Errorf("file:\n%s\nwant:\n%s", data, want)
	}
}

func TestRewriteEnvFileCreatesFile(t *testing.T) {
	clearCredEnv(t)
	path := filepath.Join(t.TempDir(), ".env")

	if err := RewriteEnvFile(path, map[string]string{"TAVILY_API_KEY": "tvly"}); err != nil {
		t.Fatalf("RewriteEnvFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode: got %o, want 600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if string(data) != "TAVILY_API_KEY=tvly\n" {
		t.Errorf("file: %q", data)
	}
}

func TestRewriteEnvFileEncryptsSecretsWithPassphrase(t *testing.T) {
	clearCredEnv(t)
	t.Setenv(EnvPassphrase, "hunter2")

	path := filepath.Join(t.TempDir(), ".env")
	err := RewriteEnvFile(path, map[string]string{
		EnvAccessToken: "secret-token",
		EnvExpiresAt:   "400",
	})
	if err != nil {
		t.Fatalf("RewriteEnvFile: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "secret-token") {
		t.Error("secret stored in plaintext despite passphrase")
	}
	if !strings.Contains(string(data), EnvAccessToken+"=enc:") {
		t.Errorf("access token not marked encrypted:\n%s", data)
	}
	// Expiry is not a secret; it stays readable.
	if !strings.Contains(string(data), "AX_OAUTH_EXPIRES_AT=400") {
		t.Errorf("expiry encrypted:\n%s", data)
	}
}

func TestLoadEnvFileDecryptsSecrets(t *testing.T) {
	clearCredEnv(t)
	t.Setenv(EnvPassphrase, "hunter2")

	path := filepath.Join(t.TempDir(), ".env")
	if err := RewriteEnvFile(path, map[string]string{EnvAccessToken: "round-trip-token"}); err != nil {
		t.Fatalf("RewriteEnvFile: %v", err)
	}

	// Load into a clean environment.
	t.Setenv(EnvAccessToken, "")
	os.Unsetenv(EnvAccessToken)
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv(EnvAccessToken); got != "round-trip-token" {
		t.Errorf("decrypted token: got %q", got)
	}
}

func TestLoadEnvFileMissingIsFine(t *testing.T) {
	clearCredEnv(t)
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("LoadEnvFile on missing file: %v", err)
	}
}

// --- Credential source ---

func TestSourcePrefersAPIKey(t *testing.T) {
	clearCredEnv(t)
	t.Setenv(EnvAPIKey, "sk-ant-key")
	t.Setenv(EnvAccessToken, "oauth-token")

	cred, err := Source()(context.Background())
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if cred.Mode != upstream.CredModeKey || cred.Token != "sk-ant-key" {
		t.Errorf("credential: %+v", cred)
	}
}

func TestSourceFallsBackToOAuth(t *testing.T) {
	clearCredEnv(t)
	t.Setenv(EnvAccessToken, "oauth-token")

	cred, err := Source()(context.Background())
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if cred.Mode != upstream.CredModeOAuth || cred.Token != "oauth-token" {
		t.Errorf("credential: %+v", cred)
	}
}

func TestSourceErrsWithoutCredentials(t *testing.T) {
	clearCredEnv(t)
	if _, err := Source()(context.Background()); err == nil {
		t.Error("Source yielded a credential from an empty environment")
	}
	if HasCredentials() {
		t.Error("HasCredentials true in an empty environment")
	}
}

// --- Refresher ---

func TestParseExpiry(t *testing.T) {
	if got, err := parseExpiry("1700000000"); err != nil || got.Unix() != 1700000000 {
		t.Errorf("unix expiry: got %v, %v", got, err)
	}
	if got, err := parseExpiry("2026-08-24T10:00:00Z"); err != nil || got.Year() != 2026 {
		t.Errorf("rfc3339 expiry: got %v, %v", got, err)
	}
	if _, err := parseExpiry("someday"); err == nil {
		t.Error("garbage expiry accepted")
	}
}

func newTestRefresher(t *testing.T, endpoint string) *Refresher {
	t.Helper()
	r := NewRefresher(filepath.Join(t.TempDir(), ".env"))
	r.tokenEndpoint = endpoint
	r.httpClient = &http.Client{Timeout: 5 * time.Second}
	return r
}

func TestEnsureOAuthTokenFreshSkipsDistantExpiry(t *testing.T) {
	clearCredEnv(t)

	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer ts.Close()

	t.Setenv(EnvRefreshToken, "refresh-1")
	t.Setenv(EnvExpiresAt, strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	r := newTestRefresher(t, ts.URL)
	r.EnsureOAuthTokenFresh(context.Background())

	if hits != 0 {
		t.Errorf("token endpoint hit %d times for a fresh token", hits)
	}
}

func TestEnsureOAuthTokenFreshRefreshesNearExpiry(t *testing.T) {
	clearCredEnv(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer ts.Close()

	t.Setenv(EnvRefreshToken, "refresh-1")
	t.Setenv(EnvExpiresAt, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

	r := newTestRefresher(t, ts.URL)
	r.EnsureOAuthTokenFresh(context.Background())

	if got := os.Getenv(EnvAccessToken); got != "new-access" {
		t.Errorf("access token: got %q", got)
	}
	if got := os.Getenv(EnvRefreshToken); got != "new-refresh" {
		t.Errorf("refresh token: got %q", got)
	}

	// The .env file mirrors the new tokens.
	data, err := os.ReadFile(r.envPath)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), "new-access") {
		t.Errorf("env file missing refreshed token:\n%s", data)
	}
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	clearCredEnv(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer ts.Close()

	t.Setenv(EnvRefreshToken, "keep-me")

	r := newTestRefresher(t, ts.URL)
	if err := r.RefreshFromEnv(context.Background()); err != nil {
		t.Fatalf("RefreshFromEnv: %v", err)
	}
	if got := os.Getenv(EnvRefreshToken); got != "keep-me" {
		t.Errorf("refresh token: got %q, want keep-me", got)
	}
}

func TestRefreshFromEnvWithoutRefreshToken(t *testing.T) {
	clearCredEnv(t)
	r := newTestRefresher(t, "http://127.0.0.1:0")
	if err := r.RefreshFromEnv(context.Background()); err == nil {
		t.Error("refresh succeeded without a refresh token")
	}
}

func TestEnsureOAuthTokenFreshSwallowsFailures(t *testing.T) {
	clearCredEnv(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer ts.Close()

	t.Setenv(EnvAccessToken, "still-valid-token")
	t.Setenv(EnvRefreshToken, "refresh-1")
	t.Setenv(EnvExpiresAt, strconv.FormatInt(time.Now().Unix(), 10))

	r := newTestRefresher(t, ts.URL)
	// Must not panic or clobber the current token.
	r.EnsureOAuthTokenFresh(context.Background())

	if got := os.Getenv(EnvAccessToken); got != "still-valid-token" {
		t.Errorf("access token changed on failed refresh: %q", got)
	}
}
