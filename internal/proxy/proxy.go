// Package proxy is the credential-injecting upstream proxy: a Unix-domain
// HTTP server that forwards /v1/messages to the real upstream with the
// host's credentials attached. Agents that speak the upstream protocol
// directly get this socket instead of a credential.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/upstream"
)

// MaxBodyBytes bounds the request body the proxy accepts.
const MaxBodyBytes = 4 << 20

// RefreshFunc re-derives the OAuth credential after an upstream 401.
type RefreshFunc func(ctx context.Context) error

// Proxy forwards messages requests to the upstream with injected
// credentials. OAuth requests get exactly one reactive refresh retry on 401;
// key-mode requests never retry, a 401 there means a bad key.
type Proxy struct {
	socketPath  string
	upstreamURL string
	credentials upstream.CredentialSource
	refresh     RefreshFunc
	httpClient  *http.Client

	server   *http.Server
	listener net.Listener
}

// New builds a Proxy. refresh may be nil, disabling the 401 retry.
func New(socketPath, upstreamURL string, creds upstream.CredentialSource, refresh RefreshFunc) *Proxy {
	return &Proxy{
		socketPath:  socketPath,
		upstreamURL: strings.TrimRight(upstreamURL, "/"),
		credentials: creds,
		refresh:     refresh,
		// No overall timeout: streamed completions are long-lived.
		httpClient: &http.Client{},
	}
}

// Start binds the socket and serves until Stop.
func (p *Proxy) Start() error {
	_ = os.Remove(p.socketPath)
	ln, err := net.Listen("unix", p.socketPath)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", p.socketPath, err)
	}
	if err := os.Chmod(p.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("proxy: chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handle)

	p.listener = ln
	p.server = &http.Server{Handler: mux}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			observability.WithTrace(context.Background()).Warn("proxy: serve ended", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down and removes the socket.
func (p *Proxy) Stop(ctx context.Context) {
	if p.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = p.server.Shutdown(shutdownCtx)
	}
	_ = os.Remove(p.socketPath)
}

// SocketPath returns the bound socket path.
func (p *Proxy) SocketPath() string {
	return p.socketPath
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
		writeError(w, http.StatusNotFound, "not_found_error",
			fmt.Sprintf("%s %s is not routed by this proxy", r.Method, r.URL.Path))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if len(body) > MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
			fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes))
		return
	}

	cred, err := p.credentials(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "authentication_error", err.Error())
		return
	}

	resp, err := p.issue(r, body, cred)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	if resp.StatusCode == http.StatusUnauthorized && cred.Mode == upstream.CredModeOAuth && p.refresh != nil {
		if refreshErr := p.refresh(r.Context()); refreshErr != nil {
			observability.WithTrace(r.Context()).Warn("proxy: reactive refresh failed", "err", refreshErr)
		} else if fresh, credErr := p.credentials(r.Context()); credErr == nil {
			retryResp, retryErr := p.issue(r, body, fresh)
			if retryErr == nil {
				resp.Body.Close()
				resp = retryResp
			} else {
				observability.WithTrace(r.Context()).Warn("proxy: retry after refresh failed", "err", retryErr)
			}
		}
	}

	defer resp.Body.Close()
	copyResponse(w, resp)
}

// issue sends one upstream request with filtered headers and the injected
// credential.
func (p *Proxy) issue(r *http.Request, body []byte, cred upstream.Credential) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.upstreamURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for name, values := range r.Header {
		if dropRequestHeader(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", "2023-06-01")
	}
	switch cred.Mode {
	case upstream.CredModeOAuth:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	default:
		req.Header.Set("x-api-key", cred.Token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

// dropRequestHeader filters hop-by-hop and credential headers out of the
// forwarded request.
func dropRequestHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "connection", "content-length", "authorization", "x-api-key":
		return true
	}
	return false
}

// copyResponse streams the upstream response through, preserving status and
// headers apart from transfer-encoding, which the Go server manages itself.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// writeError emits the upstream error shape so clients written against the
// real API parse proxy failures the same way.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
