// Package router implements the inbound/outbound security router, the front
// door of the AX host.
//
// Every inbound message is taint-tagged, wrapped in an external-content
// fence, scanned for prompt injection, and enqueued with a freshly minted
// canary token. Every outbound reply is checked for that canary (a leak means
// untrusted content reached the model output and the reply is withheld),
// scanned for PII, and audited. The per-session canary map owned by the
// Router is the sole source of truth for which token belongs to which
// in-flight completion.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/ax/common/trace"
	"github.com/bdobrica/ax/internal/bus"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/security/taint"
	"github.com/bdobrica/ax/internal/store"
)

// RedactionNotice replaces the whole reply body when a canary token leaks
// into agent output.
const RedactionNotice = "This reply was withheld: it contained a security canary token, " +
	"which means untrusted content reached the model output path. The event has been logged."

// redactedPlaceholder replaces stray canary occurrences in replies that are
// otherwise delivered.
const redactedPlaceholder = "[REDACTED]"

// InboundResult is what processing an inbound message yields.
type InboundResult struct {
	Queued      bool           `json:"queued"`
	MessageID   string         `json:"messageId,omitempty"`
	SessionID   string         `json:"sessionId"`
	CanaryToken string         `json:"canaryToken"`
	Scan        scanner.Result `json:"scanResult"`
}

// OutboundResult is what processing an agent reply yields.
type OutboundResult struct {
	Content      string         `json:"content"`
	Scan         scanner.Result `json:"scanResult"`
	CanaryLeaked bool           `json:"canaryLeaked"`
}

// Router tags, scans, canaries, enqueues and audits messages in both
// directions. Safe for concurrent use.
type Router struct {
	scanner *scanner.Scanner
	budget  *taint.Budget
	store   *store.Store

	mu              sync.Mutex
	sessionCanaries map[string]string
}

// New creates a Router.
func New(sc *scanner.Scanner, budget *taint.Budget, st *store.Store) *Router {
	return &Router{
		scanner:         sc,
		budget:          budget,
		store:           st,
		sessionCanaries: make(map[string]string),
	}
}

// ProcessInbound runs the inbound security path: canonicalise, mint canary,
// taint-tag, fence, record, scan, enqueue, audit.
func (r *Router) ProcessInbound(ctx context.Context, msg *bus.InboundMessage) (*InboundResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	sessionID := msg.Session.Key()
	token := r.scanner.CanaryToken()
	r.mu.Lock()
	r.sessionCanaries[sessionID] = token
	r.mu.Unlock()

	// Content from the system provider (scheduler, heartbeat) is trusted;
	// everything else is external until the user proves otherwise.
	tainted := msg.Session.Provider != "system"

	content := msg.Content
	if tainted {
		content = wrapExternal(msg.Session.Provider, content)
	}
	r.budget.RecordContent(sessionID, msg.Content, tainted)

	scan := r.scanner.ScanInput(content)
	if scan.Verdict == scanner.VerdictBlock {
		r.audit(ctx, sessionID, "router_inbound", "blocked", store.AuditPayload{
			"verdict": scan.Verdict,
			"reason":  scan.Reason,
			"sender":  msg.Sender,
		})
		return &InboundResult{
			Queued:      false,
			SessionID:   sessionID,
			CanaryToken: token,
			Scan:        scan,
		}, nil
	}

	content += "\n<!-- canary:" + token + " -->"
	messageID, err := r.store.Enqueue(ctx, sessionID, msg.Session.Provider, msg.Sender, content)
	if err != nil {
		return nil, fmt.Errorf("router: enqueue: %w", err)
	}

	r.audit(ctx, sessionID, "router_inbound", "success", store.AuditPayload{
		"verdict":   scan.Verdict,
		"messageId": messageID,
		"sender":    msg.Sender,
	})

	return &InboundResult{
		Queued:      true,
		MessageID:   messageID,
		SessionID:   sessionID,
		CanaryToken: token,
		Scan:        scan,
	}, nil
}

// ProcessScheduled enqueues a scheduler-originated message for an existing
// session key. Scheduler content is host-owned: trusted, unfenced, untainted.
// It still gets a canary and an input scan; a compromised HEARTBEAT.md should
// not be a bypass.
func (r *Router) ProcessScheduled(ctx context.Context, sessionID, content string) (*InboundResult, error) {
	if strings.ContainsRune(content, 0) {
		return nil, fmt.Errorf("router: scheduled content contains null byte")
	}

	token := r.scanner.CanaryToken()
	r.mu.Lock()
	r.sessionCanaries[sessionID] = token
	r.mu.Unlock()

	r.budget.RecordContent(sessionID, content, false)

	scan := r.scanner.ScanInput(content)
	if scan.Verdict == scanner.VerdictBlock {
		r.audit(ctx, sessionID, "router_inbound", "blocked", store.AuditPayload{
			"verdict": scan.Verdict,
			"reason":  scan.Reason,
			"sender":  "scheduler",
		})
		return &InboundResult{
			Queued:      false,
			SessionID:   sessionID,
			CanaryToken: token,
			Scan:        scan,
		}, nil
	}

	content += "\n<!-- canary:" + token + " -->"
	messageID, err := r.store.Enqueue(ctx, sessionID, "system", "scheduler", content)
	if err != nil {
		return nil, fmt.Errorf("router: enqueue scheduled: %w", err)
	}

	r.audit(ctx, sessionID, "router_inbound", "success", store.AuditPayload{
		"verdict":   scan.Verdict,
		"messageId": messageID,
		"sender":    "scheduler",
	})

	return &InboundResult{
		Queued:      true,
		MessageID:   messageID,
		SessionID:   sessionID,
		CanaryToken: token,
		Scan:        scan,
	}, nil
}

// ProcessOutbound runs the outbound security path over a collected agent
// reply. A leaked canary replaces the whole body with the redaction notice;
// otherwise any literal token occurrence is scrubbed.
func (r *Router) ProcessOutbound(ctx context.Context, response, sessionID, canaryToken string) *OutboundResult {
	leaked := r.scanner.CheckCanary(response, canaryToken)
	if leaked {
		r.audit(ctx, sessionID, "canary_leaked", "blocked", store.AuditPayload{
			"responseBytes": len(response),
		})
	}

	scan := r.scanner.ScanOutput(response)

	result := "success"
	if leaked {
		result = "blocked"
	}
	r.audit(ctx, sessionID, "router_outbound", result, store.AuditPayload{
		"verdict":      scan.Verdict,
		"reason":       scan.Reason,
		"canaryLeaked": leaked,
	})

	content := response
	if leaked {
		content = RedactionNotice
	} else if canaryToken != "" {
		content = strings.ReplaceAll(content, canaryToken, redactedPlaceholder)
	}

	return &OutboundResult{
		Content:      content,
		Scan:         scan,
		CanaryLeaked: leaked,
	}
}

// CanaryFor returns the canary minted for the session's in-flight inbound.
func (r *Router) CanaryFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionCanaries[sessionID]
}

// ForgetCanary drops the session's canary at the end of a completion. A
// canary may only be detected on the response that belongs to the inbound it
// was minted for.
func (r *Router) ForgetCanary(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionCanaries, sessionID)
}

// wrapExternal fences non-system content so prompt assembly downstream can
// never mistake it for instructions.
func wrapExternal(source, content string) string {
	var b strings.Builder
	b.WriteString(`<external_content trust="external" source="`)
	b.WriteString(source)
	b.WriteString(`" timestamp="`)
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString(`">`)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("\n</external_content>")
	return b.String()
}

// audit records a policy decision; audit failures are logged, never fatal.
func (r *Router) audit(ctx context.Context, sessionID, action, result string, payload store.AuditPayload) {
	if err := r.store.WriteAudit(ctx, trace.FromContext(ctx), sessionID, action, result, payload, ""); err != nil {
		observability.WithTrace(ctx).Warn("router: audit write failed",
			"action", action, "session", sessionID, "err", err)
	}
}
