package textutil

import "strings"

// NormalizeStringMap returns a copy of values with surrounding whitespace
// stripped from keys and values. Entries whose key trims to "" are dropped,
// and nil is returned when nothing survives.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
