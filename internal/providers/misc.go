package providers

import (
	"context"
	"fmt"

	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/store"
	"github.com/bdobrica/ax/internal/upstream"
)

// llmCall handles llm_call: a direct completion through the host's upstream
// client. Credentials stay in the host; the agent only sees the response.
func (d Deps) llmCall(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	rawMessages, _ := env["messages"].([]interface{})
	if len(rawMessages) == 0 {
		return nil, fmt.Errorf("llm_call requires at least one message")
	}

	req := upstream.Request{
		Model:     strParam(env, "model"),
		MaxTokens: intParam(env, "maxTokens", 4096),
	}
	if t, ok := env["temperature"].(float64); ok {
		req.Temperature = &t
	}
	if tools, ok := env["tools"].([]interface{}); ok {
		req.Tools = tools
	}

	var system string
	for _, raw := range rawMessages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content := m["content"]
		switch role {
		case "system":
			if s, ok := content.(string); ok {
				system += s + "\n"
			}
		case "toolResult":
			req.Messages = append(req.Messages, upstream.Message{Role: "user", Content: content})
		default:
			req.Messages = append(req.Messages, upstream.Message{Role: role, Content: content})
		}
	}
	req.System = system

	resp, err := d.Upstream.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	d.audit(ctx, rc.SessionID, "llm_call", "success", store.AuditPayload{
		"model":        resp.Model,
		"inputTokens":  resp.Usage.InputTokens,
		"outputTokens": resp.Usage.OutputTokens,
	})
	return map[string]interface{}{
		"content":    resp.Text(),
		"stopReason": resp.StopReason,
		"usage": map[string]interface{}{
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		},
	}, nil
}

// auditQuery handles audit_query. The agent may inspect its own trail; the
// payloads stored there never contain content or credentials.
func (d Deps) auditQuery(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	sessionID := strParam(env, "sessionId")
	if sessionID == "" {
		sessionID = rc.SessionID
	}
	since, err := timeParam(env, "since")
	if err != nil {
		return nil, err
	}
	until, err := timeParam(env, "until")
	if err != nil {
		return nil, err
	}
	entries, err := d.Store.QueryAudit(ctx, sessionID, since, until, intParam(env, "limit", 50))
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return map[string]interface{}{"entries": entries}, nil
}

// agentRegistryList handles agent_registry_list.
func (d Deps) agentRegistryList(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	agents, err := d.Store.ListAgents(ctx, store.AgentStatus(strParam(env, "status")))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return map[string]interface{}{"agents": agents}, nil
}

// agentRegistryGet handles agent_registry_get.
func (d Deps) agentRegistryGet(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	agent, err := d.Store.GetAgent(ctx, strParam(env, "agentId"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent": agent}, nil
}
