package providers

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestIPPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.1.1", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"fe80::1", false},
		{"8.8.8.8", true},
		{"2606:4700::1111", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.addr)
		if ip == nil {
			t.Fatalf("bad test address %q", tt.addr)
		}
		if got := ipPublic(ip); got != tt.want {
			t.Errorf("ipPublic(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestFetchRefusesLoopback(t *testing.T) {
	// A local test server is exactly what the SSRF guard exists to block.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("guard let the request through")
	}))
	defer ts.Close()

	p := &WebProvider{d: newTestDeps(t)}
	_, err := p.Fetch(context.Background(), testRC(), map[string]interface{}{"url": ts.URL})
	if err == nil || !strings.Contains(err.Error(), "non-public") {
		t.Errorf("err: %v", err)
	}
}

func TestFetchClientRefusesDialToLoopback(t *testing.T) {
	// Dial-time validation must hold even when the pre-flight check is
	// bypassed, e.g. by a DNS answer that changes between check and dial.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dial guard let the request through")
	}))
	defer ts.Close()

	_, err := fetchClient().Get(ts.URL)
	if err == nil || !strings.Contains(err.Error(), "non-public") {
		t.Errorf("err: %v", err)
	}
}

func TestFetchClientRevalidatesRedirectHops(t *testing.T) {
	c := fetchClient()

	metadata, _ := url.Parse("http://169.254.169.254/latest/meta-data/")
	if err := c.CheckRedirect(&http.Request{URL: metadata}, []*http.Request{{}}); err == nil {
		t.Error("redirect to a link-local address allowed")
	}

	loopback, _ := url.Parse("http://127.0.0.1/internal")
	if err := c.CheckRedirect(&http.Request{URL: loopback}, []*http.Request{{}}); err == nil {
		t.Error("redirect to loopback allowed")
	}

	file, _ := url.Parse("file:///etc/passwd")
	if err := c.CheckRedirect(&http.Request{URL: file}, []*http.Request{{}}); err == nil {
		t.Error("redirect to file scheme allowed")
	}

	hop, _ := url.Parse("http://example.org/next")
	via := make([]*http.Request, maxFetchRedirects)
	if err := c.CheckRedirect(&http.Request{URL: hop}, via); err == nil {
		t.Error("redirect chain beyond the cap allowed")
	}
}

func TestFetchRefusesNonHTTPSchemes(t *testing.T) {
	p := &WebProvider{d: newTestDeps(t)}
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.com/x", "gopher://example.com"} {
		if _, err := p.Fetch(context.Background(), testRC(), map[string]interface{}{"url": raw}); err == nil {
			t.Errorf("scheme accepted: %s", raw)
		}
	}
}

func TestFetchRefusesHostlessURL(t *testing.T) {
	p := &WebProvider{d: newTestDeps(t)}
	if _, err := p.Fetch(context.Background(), testRC(), map[string]interface{}{"url": "http:///path"}); err == nil {
		t.Error("hostless URL accepted")
	}
}

func TestSearchUnconfigured(t *testing.T) {
	t.Setenv(tavilyKeyEnvVar, "")
	p := &WebProvider{d: newTestDeps(t)}
	if _, err := p.Search(context.Background(), testRC(), map[string]interface{}{"query": "weather"}); err == nil {
		t.Error("search ran without an API key")
	}
}

func TestWrapExternalContent(t *testing.T) {
	got := wrapExternalContent("example.com", "hello")
	want := "<external_content trust=\"external\" source=\"example.com\">\nhello\n</external_content>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
