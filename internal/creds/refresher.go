package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bdobrica/ax/common/retry"
	"github.com/bdobrica/ax/internal/observability"
)

const (
	// refreshWindow is how close to expiry a token may get before the
	// pre-flight check refreshes it.
	refreshWindow = 5 * time.Minute

	defaultTokenEndpoint = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID        = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// Refresher keeps the OAuth access token fresh and mirrors every update into
// the host .env file. All refreshes are serialised; a reactive 401 refresh
// racing the pre-flight check must not double-spend the refresh token.
type Refresher struct {
	envPath       string
	tokenEndpoint string
	httpClient    *http.Client
	now           func() time.Time

	mu sync.Mutex
}

// NewRefresher builds a Refresher persisting to envPath.
func NewRefresher(envPath string) *Refresher {
	return &Refresher{
		envPath:       envPath,
		tokenEndpoint: defaultTokenEndpoint,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
	}
}

// EnsureOAuthTokenFresh is the pre-flight check: refresh only when the
// current token expires within the window. Failures are logged, never
// returned; the reactive 401 path remains as the backstop.
func (r *Refresher) EnsureOAuthTokenFresh(ctx context.Context) {
	refreshToken := os.Getenv(EnvRefreshToken)
	rawExpiry := os.Getenv(EnvExpiresAt)
	if refreshToken == "" || rawExpiry == "" {
		return
	}
	expiry, err := parseExpiry(rawExpiry)
	if err != nil {
		observability.WithTrace(ctx).Warn("creds: unparseable token expiry", "value", rawExpiry, "err", err)
		return
	}
	if expiry.Sub(r.now()) > refreshWindow {
		return
	}
	if err := r.refresh(ctx); err != nil {
		observability.WithTrace(ctx).Warn("creds: pre-flight token refresh failed", "err", err)
	}
}

// RefreshFromEnv is the reactive callback the proxy invokes on a 401. It
// always attempts a full refresh regardless of the recorded expiry.
func (r *Refresher) RefreshFromEnv(ctx context.Context) error {
	return r.refresh(ctx)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r *Refresher) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	refreshToken := os.Getenv(EnvRefreshToken)
	if refreshToken == "" {
		return fmt.Errorf("creds: no refresh token in environment")
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return fmt.Errorf("creds: marshal refresh request: %w", err)
	}

	var token tokenResponse
	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenEndpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return fmt.Errorf("creds: refresh token exchange: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("creds: token endpoint returned no access token")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	expiresAt := r.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	updates := map[string]string{
		EnvAccessToken:  token.AccessToken,
		EnvRefreshToken: token.RefreshToken,
		EnvExpiresAt:    strconv.FormatInt(expiresAt.Unix(), 10),
	}
	for k, v := range updates {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("creds: set %s: %w", k, err)
		}
	}

	if err := RewriteEnvFile(r.envPath, updates); err != nil {
		return fmt.Errorf("creds: persist refreshed tokens: %w", err)
	}
	observability.WithTrace(ctx).Info("creds: refreshed upstream OAuth token",
		"expiresAt", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

// parseExpiry accepts a unix-seconds integer or an RFC3339 timestamp.
func parseExpiry(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
