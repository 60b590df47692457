// Package upstream is the host-side client for the model provider's messages
// API. Credentials never leave this package's request headers; the sandbox
// reaches the same API only through the host proxy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CredMode selects how a credential is presented to the upstream API.
type CredMode string

const (
	CredModeKey   CredMode = "key"
	CredModeOAuth CredMode = "oauth"
)

// Credential is one upstream credential, resolved immediately before use so
// that a refresh between requests is picked up.
type Credential struct {
	Mode  CredMode
	Token string
}

// CredentialSource yields the current credential. Implementations read the
// host environment file, never process environment inherited by children.
type CredentialSource func(ctx context.Context) (Credential, error)

// Message is one turn in an upstream request.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// Request mirrors the messages API request body.
type Request struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []Message     `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []interface{} `json:"tools,omitempty"`
}

// ContentBlock is one block of an upstream response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage reports upstream token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response mirrors the messages API response body.
type Response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var buf bytes.Buffer
	for _, block := range r.Content {
		if block.Type == "text" {
			buf.WriteString(block.Text)
		}
	}
	return buf.String()
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const defaultTimeout = 120 * time.Second

// Client calls the messages API with host-held credentials.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	credentials CredentialSource
}

// NewClient builds a Client. model is the default used when a request does
// not name one.
func NewClient(baseURL, model string, creds CredentialSource) *Client {
	return &Client{
		baseURL:     baseURL,
		model:       model,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		credentials: creds,
	}
}

// Model returns the configured default model.
func (c *Client) Model() string {
	return c.model
}

// Complete performs one non-streaming messages request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	cred, err := c.credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream: resolve credential: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	switch cred.Mode {
	case CredModeOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	default:
		httpReq.Header.Set("x-api-key", cred.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
			return nil, fmt.Errorf("upstream: %s (%d): %s", ae.Error.Type, resp.StatusCode, ae.Error.Message)
		}
		return nil, fmt.Errorf("upstream: status %d", resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	return &out, nil
}

// Summarize is the shape the history compactor consumes: a single user prompt
// in, plain text out.
func (c *Client) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.Complete(ctx, Request{
		MaxTokens: maxTokens,
		Messages:  []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
