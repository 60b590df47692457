// Package httpapi is the local front door: an upstream-compatible chat
// endpoint on a Unix domain socket. It feeds requests through the security
// router and the completion pipeline and renders replies in the upstream
// response shape, streamed or blocking.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/ax/internal/bus"
	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/pipeline"
	"github.com/bdobrica/ax/internal/router"
	"github.com/bdobrica/ax/internal/session"
)

// chatRequest is the accepted request body. Unknown fields are ignored so
// upstream-shaped clients can point here unchanged.
type chatRequest struct {
	Messages  []chatMessage `json:"messages"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
	Model     string        `json:"model,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Server serves the local HTTP API on a Unix domain socket.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	pipeline *pipeline.Pipeline

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server.
func New(cfg *config.Config, rt *router.Router, pl *pipeline.Pipeline) *Server {
	return &Server{cfg: cfg, router: rt, pipeline: pl}
}

// Start binds the socket and serves until Stop.
func (s *Server) Start() error {
	socket := s.cfg.Socket()
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("httpapi: chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChat)
	mux.HandleFunc("/health", s.handleHealth)

	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			observability.WithTrace(context.Background()).Error("httpapi: serve ended", "err", err)
		}
	}()
	observability.WithTrace(context.Background()).Info("httpapi: listening", "socket", socket)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	_ = os.Remove(s.cfg.Socket())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "use POST")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "last message must have role user")
		return
	}

	ephemeral := req.SessionID == ""
	addr := apiAddress(req.SessionID)

	inbound := &bus.InboundMessage{
		ID:        uuid.NewString(),
		Session:   addr,
		Sender:    req.UserID,
		Content:   last.Content,
		Timestamp: time.Now().UTC(),
	}
	if err := inbound.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	res, err := s.router.ProcessInbound(r.Context(), inbound)
	if err != nil {
		// Internal errors carry host paths; log the detail, return a
		// generic message.
		observability.WithTrace(r.Context()).Error("httpapi: inbound processing failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "api_error", "failed to process the request")
		return
	}
	if !res.Queued {
		blocked := fmt.Sprintf("Request blocked: %s", res.Scan.Reason)
		s.respond(w, req, blocked, "content_filter")
		return
	}

	var prior []bus.Turn
	if ephemeral {
		for _, m := range req.Messages[:len(req.Messages)-1] {
			prior = append(prior, bus.Turn{Role: m.Role, Content: m.Content})
		}
	}

	out, err := s.pipeline.Run(r.Context(), pipeline.Request{
		SessionID:   res.SessionID,
		MessageID:   res.MessageID,
		CanaryToken: res.CanaryToken,
		UserID:      req.UserID,
		Ephemeral:   ephemeral,
		PriorTurns:  prior,
	})
	if err != nil {
		observability.WithTrace(r.Context()).Error("httpapi: completion failed",
			"session", res.SessionID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "api_error", "completion failed")
		return
	}

	s.respond(w, req, out.Content, "end_turn")
}

// respond renders the reply in the upstream message shape, streamed as SSE
// when requested.
func (s *Server) respond(w http.ResponseWriter, req chatRequest, text, stopReason string) {
	model := req.Model
	if model == "" {
		model = s.cfg.Upstream.Model
	}
	id := "msg_" + uuid.NewString()

	if req.Stream {
		streamSSE(w, id, model, text, stopReason)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]string{
			{"type": "text", "text": text},
		},
		"stop_reason": stopReason,
	})
}

func apiAddress(sessionID string) session.Address {
	if sessionID == "" {
		return session.Address{
			Provider:    "api",
			Scope:       session.ScopeDM,
			Identifiers: map[string]string{"id": "ephemeral-" + uuid.NewString()},
		}
	}
	return session.Address{
		Provider:    "api",
		Scope:       session.ScopeDM,
		Identifiers: map[string]string{"id": sessionID},
	}
}

// writeAPIError emits the upstream error shape.
func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
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
