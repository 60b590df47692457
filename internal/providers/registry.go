package providers

import "fmt"

// providerMap enumerates every allowed (kind, name) combination and the
// module implementing it. Lookup is the only way a configured provider name
// becomes code: no caller-supplied string ever flows into an import path or
// a filesystem path.
var providerMap = map[string]map[string]string{
	"memory": {
		"file": "internal/providers/memory",
	},
	"search": {
		"tavily": "internal/providers/web",
	},
	"sandbox": {
		"subprocess": "internal/sandbox",
		"container":  "internal/sandbox",
	},
	"upstream": {
		"anthropic": "internal/upstream",
	},
	"scheduler": {
		"cron": "internal/scheduler",
	},
}

// ResolveProviderPath maps an allowed provider (kind, name) to its module id.
func ResolveProviderPath(kind, name string) (string, error) {
	names, ok := providerMap[kind]
	if !ok {
		return "", fmt.Errorf("unknown provider kind: %s", kind)
	}
	path, ok := names[name]
	if !ok {
		return "", fmt.Errorf("unknown provider name: %s/%s", kind, name)
	}
	return path, nil
}

// ProviderKinds returns the allowed kinds, for configuration validation.
func ProviderKinds() []string {
	kinds := make([]string, 0, len(providerMap))
	for k := range providerMap {
		kinds = append(kinds, k)
	}
	return kinds
}
