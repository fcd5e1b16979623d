package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// String reads a config value as trimmed text. Lists yield their first element.
func String(config map[string]any, key string) string {
	switch v := config[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	case []any:
		if len(v) > 0 {
			return String(map[string]any{key: v[0]}, key)
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Int reads a config value as an integer, falling back to def.
func Int(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Float reads a config value as a float, falling back to def.
func Float(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}
