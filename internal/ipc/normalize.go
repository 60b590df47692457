package ipc

import (
	"strings"
)

// Agent messages may carry enum-valued fields produced by weaker models
// ("User Request", "soul", "Identity.MD"). Normalisers run before strict
// validation so the enum check sees canonical values; anything they cannot
// map passes through unchanged for the schema to reject.

// NormalizeEnvelope rewrites the enum-valued fields of the envelope in place
// for the actions that accept model-produced enums.
func NormalizeEnvelope(action string, envelope map[string]interface{}) {
	switch action {
	case "identity_write", "identity_propose":
		if raw, ok := envelope["file"].(string); ok {
			envelope["file"] = NormalizeIdentityFile(raw)
		}
		if raw, ok := envelope["origin"].(string); ok {
			envelope["origin"] = NormalizeOrigin(raw)
		}
	}
}

// NormalizeOrigin lower-cases, collapses runs of non-alphanumerics to "_",
// then matches by substring. Unrecognised values default to user_request:
// attributing an ambiguous mutation to the user is the conservative reading,
// since agent_initiated is the origin that loosens nothing.
func NormalizeOrigin(raw string) string {
	collapsed := collapseNonAlnum(strings.ToLower(raw))
	switch {
	case strings.Contains(collapsed, "agent_initiated"), strings.Contains(collapsed, "agent"):
		return "agent_initiated"
	default:
		return "user_request"
	}
}

// NormalizeIdentityFile maps case/extension variants onto the canonical
// identity file names. Unknown values pass through for the enum to reject.
func NormalizeIdentityFile(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "soul", "soul.md":
		return "SOUL.md"
	case "identity", "identity.md":
		return "IDENTITY.md"
	case "user", "user.md":
		return "USER.md"
	default:
		return raw
	}
}

// collapseNonAlnum replaces every run of non-alphanumeric characters with a
// single underscore.
func collapseNonAlnum(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
