package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// Lookup walks a decoded JSON document along a dot path such as
// "data.result.raw" or "images.0.url". Numeric segments index arrays.
func Lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// LookupString returns the first key whose value renders as a non-empty
// string. Numbers are formatted; objects and arrays are skipped.
func LookupString(doc any, keys []string) (string, string) {
	for _, k := range keys {
		v, ok := Lookup(doc, k)
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case string:
			if s := strings.TrimSpace(vv); s != "" {
				return s, k
			}
		case float64:
			return strconv.FormatFloat(vv, 'f', -1, 64), k
		case bool:
			return fmt.Sprint(vv), k
		}
	}
	return "", ""
}

// LookupStrings is LookupString that also accepts arrays of strings, and
// arrays of objects carrying a "url" field.
func LookupStrings(doc any, keys []string) ([]string, string) {
	for _, k := range keys {
		v, ok := Lookup(doc, k)
		if !ok {
			continue
		}
		if refs := asStrings(v); len(refs) > 0 {
			return refs, k
		}
	}
	return nil, ""
}

func asStrings(v any) []string {
	switch vv := v.(type) {
	case string:
		if s := strings.TrimSpace(vv); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range vv {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if s, ok := it["url"].(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case map[string]any:
		if s, ok := vv["url"].(string); ok && s != "" {
			return []string{s}
		}
	}
	return nil
}

// LookupBool reports whether any key holds boolean true.
func LookupBool(doc any, keys []string) bool {
	for _, k := range keys {
		if v, ok := Lookup(doc, k); ok {
			if b, ok := v.(bool); ok && b {
				return true
			}
		}
	}
	return false
}
