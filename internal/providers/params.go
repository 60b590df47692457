package providers

import (
	"fmt"
	"time"
)

// Envelope fields arrive as decoded JSON. Schema validation has already run,
// so these helpers only bridge types; a missing optional field yields the
// zero value.

func strParam(env map[string]interface{}, key string) string {
	s, _ := env[key].(string)
	return s
}

func intParam(env map[string]interface{}, key string, def int) int {
	switch v := env[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(env map[string]interface{}, key string) bool {
	b, _ := env[key].(bool)
	return b
}

func timeParam(env map[string]interface{}, key string) (time.Time, error) {
	raw, ok := env[key].(string)
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q is not a valid timestamp: %w", key, err)
	}
	return t, nil
}
