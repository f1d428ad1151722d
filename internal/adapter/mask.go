package adapter

import "strings"

// maskValue replaces password fields on reads.
const maskValue = "***"

// MaskConfig deep-clones cfg with every password field replaced by
// "***". Keys absent from the config are left absent.
func MaskConfig(cfg map[string]any, m Manifest) map[string]any {
	out := cloneMap(cfg)
	for _, key := range m.passwordKeys() {
		if _, ok := getPath(out, key); ok {
			setPath(out, key, maskValue)
		}
	}
	return out
}

// MergeConfig overlays incoming onto existing, preserving existing
// password values when the caller sends "", "***", or omits the key.
func MergeConfig(existing, incoming map[string]any, m Manifest) map[string]any {
	out := cloneMap(incoming)
	for _, key := range m.passwordKeys() {
		old, hadOld := getPath(existing, key)
		if !hadOld {
			continue
		}
		v, ok := getPath(out, key)
		if !ok {
			setPath(out, key, old)
			continue
		}
		if s, isStr := v.(string); isStr && (s == "" || s == maskValue) {
			setPath(out, key, old)
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// getPath walks dot-notation key paths through nested maps.
func getPath(m map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	cur := m
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

// setPath writes a dot-notation key, creating intermediate maps.
func setPath(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
