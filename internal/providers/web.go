package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/store"
)

// WebProvider gives the sandbox mediated internet access. Fetched content is
// adversary-controlled: it is wrapped in an external-trust fence and recorded
// against the session's taint budget before the agent sees it.
type WebProvider struct {
	d Deps
}

const (
	maxFetchBytes   = 1 << 20
	fetchTimeout    = 30 * time.Second
	tavilyEndpoint  = "https://api.tavily.com/search"
	tavilyKeyEnvVar = "TAVILY_API_KEY"
)

// Fetch handles web_fetch with an SSRF guard: the hostname is resolved and
// every address must be publicly routable before a single byte is requested.
func (p *WebProvider) Fetch(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	rawURL := strParam(env, "url")
	maxBytes := intParam(env, "maxBytes", maxFetchBytes)
	if maxBytes <= 0 || maxBytes > maxFetchBytes {
		maxBytes = maxFetchBytes
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q is not allowed", parsed.Scheme)
	}
	if err := checkHostPublic(ctx, parsed.Hostname()); err != nil {
		p.d.audit(ctx, rc.SessionID, "web_fetch", "blocked", store.AuditPayload{
			"host": parsed.Hostname(), "reason": err.Error(),
		})
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "ax-host/1.0")

	resp, err := fetchClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	content := string(body)
	p.d.Budget.RecordContent(rc.SessionID, content, true)
	p.d.audit(ctx, rc.SessionID, "web_fetch", "success", store.AuditPayload{
		"host": parsed.Hostname(), "status": resp.StatusCode, "bytes": len(body),
	})

	return map[string]interface{}{
		"content":     wrapExternalContent(parsed.Hostname(), content),
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"tainted":     true,
	}, nil
}

// Search handles web_search through the Tavily API.
func (p *WebProvider) Search(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	apiKey := os.Getenv(tavilyKeyEnvVar)
	if apiKey == "" {
		return nil, fmt.Errorf("web search is not configured")
	}

	query := strParam(env, "query")
	limit := intParam(env, "limit", 5)

	reqBody, err := json.Marshal(map[string]interface{}{
		"api_key":     apiKey,
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(searchCtx, http.MethodPost, tavilyEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: fetchTimeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]map[string]interface{}, 0, len(parsed.Results))
	var taintText bytes.Buffer
	for _, r := range parsed.Results {
		results = append(results, map[string]interface{}{
			"title":   r.Title,
			"url":     r.URL,
			"content": wrapExternalContent(r.URL, r.Content),
		})
		taintText.WriteString(r.Title)
		taintText.WriteString(r.Content)
	}
	p.d.Budget.RecordContent(rc.SessionID, taintText.String(), true)
	p.d.audit(ctx, rc.SessionID, "web_search", "success", store.AuditPayload{
		"results": len(results),
	})

	return map[string]interface{}{"results": results, "tainted": true}, nil
}

const maxFetchRedirects = 5

// fetchClient builds the HTTP client for web_fetch. The pre-flight
// checkHostPublic alone is not enough: a redirect or a DNS answer that changes
// between check and dial could still route the request to an internal
// address. Every redirect hop re-runs the host check, and the dialer itself
// refuses any connection to a non-public IP, so the guard holds at the moment
// the socket opens.
func fetchClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: fetchTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("dial %s: %w", address, err)
			}
			ip := net.ParseIP(host)
			if ip == nil || !ipPublic(ip) {
				return fmt.Errorf("dial to non-public address %s refused", host)
			}
			return nil
		},
	}
	return &http.Client{
		Timeout:   fetchTimeout,
		Transport: &http.Transport{DialContext: dialer.DialContext},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to scheme %q is not allowed", req.URL.Scheme)
			}
			return checkHostPublic(req.Context(), req.URL.Hostname())
		},
	}
}

// checkHostPublic resolves host and rejects any address a fetch must never
// reach from inside the host: loopback, link-local, RFC-1918, unspecified.
func checkHostPublic(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %s has no addresses", host)
	}
	for _, addr := range addrs {
		if !ipPublic(addr.IP) {
			return fmt.Errorf("host %s resolves to a non-public address", host)
		}
	}
	return nil
}

func ipPublic(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified())
}

func wrapExternalContent(source, content string) string {
	var b bytes.Buffer
	b.WriteString(`<external_content trust="external" source="`)
	b.WriteString(source)
	b.WriteString(`">`)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("\n</external_content>")
	return b.String()
}
