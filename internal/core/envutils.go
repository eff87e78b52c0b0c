package core

import (
	"maps"
	"slices"
	"strings"
)

// EnvPrefix is the prefix for supervisor-specific environment variables.
const EnvPrefix = "STACKVISOR_"

// EnvMap converts a KEY=VALUE list (as returned by os.Environ) into a map.
// Later entries win, matching how exec resolves duplicate keys.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// MergeEnv applies overlay on top of base and returns a sorted KEY=VALUE list.
func MergeEnv(base []string, overlay map[string]string) []string {
	env := EnvMap(base)
	maps.Copy(env, overlay)

	keys := slices.Sorted(maps.Keys(env))
	merged := make([]string, 0, len(keys))
	for _, key := range keys {
		merged = append(merged, key+"="+env[key])
	}
	return merged
}
