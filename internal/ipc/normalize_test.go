package ipc_test

import (
	"testing"

	"github.com/bdobrica/ax/internal/ipc"
)

func TestNormalizeIdentityFile(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SOUL.md", "SOUL.md"},
		{"soul", "SOUL.md"},
		{"Soul.MD", "SOUL.md"},
		{" identity.md ", "IDENTITY.md"},
		{"USER", "USER.md"},
		{"user.md", "USER.md"},
		{"OTHER.md", "OTHER.md"}, // passes through for the enum to reject
	}
	for _, tc := range tests {
		if got := ipc.NormalizeIdentityFile(tc.in); got != tc.want {
			t.Errorf("NormalizeIdentityFile(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"agent_initiated", "agent_initiated"},
		{"Agent Initiated", "agent_initiated"},
		{"AGENT-INITIATED", "agent_initiated"},
		{"the agent decided", "agent_initiated"},
		{"user_request", "user_request"},
		{"User Request", "user_request"},
		{"", "user_request"},
		{"unknown origin", "user_request"}, // ambiguity resolves to user_request
	}
	for _, tc := range tests {
		if got := ipc.NormalizeOrigin(tc.in); got != tc.want {
			t.Errorf("NormalizeOrigin(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeEnvelope(t *testing.T) {
	env := map[string]interface{}{
		"action":  "identity_write",
		"file":    "soul",
		"content": "# Soul",
		"origin":  "Agent Initiated",
	}
	ipc.NormalizeEnvelope("identity_write", env)

	if env["file"] != "SOUL.md" {
		t.Errorf("file: got %q, want SOUL.md", env["file"])
	}
	if env["origin"] != "agent_initiated" {
		t.Errorf("origin: got %q, want agent_initiated", env["origin"])
	}
}

func TestNormalizeEnvelopeOtherActionsUntouched(t *testing.T) {
	env := map[string]interface{}{
		"action": "memory_write",
		"scope":  "Soul", // a legitimate memory scope name, not an identity file
	}
	ipc.NormalizeEnvelope("memory_write", env)
	if env["scope"] != "Soul" {
		t.Errorf("scope rewritten to %q", env["scope"])
	}
}
