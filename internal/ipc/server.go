package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bdobrica/ax/internal/observability"
)

// RequestContext identifies who a server instance is serving. One Server is
// started per completion, so the context is fixed at construction and the
// agent cannot claim to be someone else.
type RequestContext struct {
	SessionID string
	AgentID   string
	UserID    string
}

// Handler processes one validated envelope. The returned value is marshalled
// into the {ok:true, ...} response; a map is merged at the top level, any
// other value is placed under "result".
type Handler func(ctx context.Context, rc RequestContext, envelope map[string]interface{}) (interface{}, error)

// handlerTimeout bounds a single dispatched request. Blocking providers
// (web_fetch, llm_call) carry their own tighter timeouts.
const handlerTimeout = 120 * time.Second

// Server is the per-completion IPC endpoint: a Unix domain socket accepting
// length-prefixed JSON request/response pairs, serially per connection.
type Server struct {
	socketPath string
	reqCtx     RequestContext
	validator  *Validator
	handlers   map[string]Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a Server bound to the given request context. handlers
// maps action names to providers; actions without a handler fail at dispatch
// with a clear error rather than at validation.
func NewServer(socketPath string, rc RequestContext, validator *Validator, handlers map[string]Handler) *Server {
	return &Server{
		socketPath: socketPath,
		reqCtx:     rc,
		validator:  validator,
		handlers:   handlers,
	}
}

// Start binds the socket and begins accepting connections. The socket file
// is created with owner-only permissions; the sandbox reaches it via a bind
// mount or inherited path, never by name lookup outside the workspace.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath) // stale socket from a crashed run
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			observability.WithTrace(context.Background()).Warn("ipc: accept failed", "err", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves request/response pairs serially until the peer closes.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				observability.WithTrace(context.Background()).Debug("ipc: connection read ended", "err", err)
			}
			return
		}

		response := s.process(payload)
		if err := WriteFrame(conn, response); err != nil {
			observability.WithTrace(context.Background()).Warn("ipc: write response failed", "err", err)
			return
		}
	}
}

// process runs one envelope through parse, normalise, validate, dispatch.
// It never returns an empty response: every failure mode has an error shape.
func (s *Server) process(payload []byte) []byte {
	var envelope map[string]interface{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errorResponse("Invalid JSON")
	}

	action, _ := envelope["action"].(string)
	if action == "" || !s.validator.Known(action) {
		return errorResponse(fmt.Sprintf("Unknown action: %s", action))
	}

	NormalizeEnvelope(action, envelope)

	if err := s.validator.Validate(action, envelope); err != nil {
		return errorResponse("Validation failed: " + err.Error())
	}

	handler, ok := s.handlers[action]
	if !ok {
		return errorResponse(fmt.Sprintf("No provider for action: %s", action))
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := s.dispatch(ctx, handler, envelope)
	if err != nil {
		return errorResponse(err.Error())
	}
	return okResponse(result)
}

// dispatch invokes the handler, converting a panic into an error so a buggy
// provider cannot take the server down mid-completion.
func (s *Server) dispatch(ctx context.Context, handler Handler, envelope map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.WithTrace(ctx).Error("ipc: handler panic", "panic", r)
			err = fmt.Errorf("internal provider error")
		}
	}()
	return handler(ctx, s.reqCtx, envelope)
}

func okResponse(result interface{}) []byte {
	out := map[string]interface{}{"ok": true}
	if m, ok := result.(map[string]interface{}); ok {
		for k, v := range m {
			if k != "ok" {
				out[k] = v
			}
		}
	} else if result != nil {
		out["result"] = result
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errorResponse("response marshal failed")
	}
	return data
}

func errorResponse(msg string) []byte {
	data, _ := json.Marshal(map[string]interface{}{"ok": false, "error": msg})
	return data
}
