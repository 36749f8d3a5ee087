package sanitize

import (
	"reflect"
	"regexp"
	"strings"
)

var (
	// Dangerous constructs are removed with their content where the content
	// itself is executable (script/style), and tag-only elsewhere.
	scriptBlockRe  = regexp.MustCompile(`(?is)<\s*(script|style)\b[^>]*>.*?<\s*/\s*(script|style)\s*>`)
	dangerousTagRe = regexp.MustCompile(`(?is)<\s*/?\s*(script|iframe|object|embed|style|meta|link)\b[^>]*>`)
	eventAttrRe    = regexp.MustCompile(`(?i)\son\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsSchemeRe     = regexp.MustCompile(`(?i)javascript\s*:`)
)

// CleanString trims, strips control characters and removes dangerous HTML
// constructs from one string value.
func CleanString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	s = stripControl(s)
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = dangerousTagRe.ReplaceAllString(s, "")
	s = eventAttrRe.ReplaceAllString(s, "")
	s = jsSchemeRe.ReplaceAllString(s, "")
	return s
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Clean produces a structurally identical copy with every string leaf
// cleaned. Non-string leaves are recursed into, never altered. Cycles are
// broken by returning nil for a container already on the path; unsupported
// leaf types (functions, channels) are dropped rather than propagated.
func Clean(v interface{}) interface{} {
	return cleanValue(v, map[uintptr]struct{}{})
}

func cleanValue(v interface{}, seen map[uintptr]struct{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return CleanString(t)
	case map[string]interface{}:
		if !enter(t, seen) {
			return nil
		}
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[CleanString(k)] = cleanValue(vv, seen)
		}
		delete(seen, reflect.ValueOf(t).Pointer())
		return out
	case []interface{}:
		if !enter(t, seen) {
			return nil
		}
		out := make([]interface{}, 0, len(t))
		for _, vv := range t {
			out = append(out, cleanValue(vv, seen))
		}
		delete(seen, reflect.ValueOf(t).Pointer())
		return out
	case bool, float64, int, int64, float32:
		return t
	default:
		if isSupportedLeaf(t) {
			return t
		}
		return nil
	}
}

func isSupportedLeaf(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}

// CleanQuery cleans flat string-slice maps such as parsed query parameters.
func CleanQuery(values map[string][]string) map[string][]string {
	out := make(map[string][]string, len(values))
	for k, vs := range values {
		cleaned := make([]string, 0, len(vs))
		for _, v := range vs {
			cleaned = append(cleaned, CleanString(v))
		}
		out[CleanString(k)] = cleaned
	}
	return out
}

// ScanQuery checks every query key and value against the signature set.
func ScanQuery(values map[string][]string) (string, bool) {
	for k, vs := range values {
		if name, ok := ScanString(k); ok {
			return name, true
		}
		for _, v := range vs {
			if name, ok := ScanString(v); ok {
				return name, true
			}
		}
	}
	return "", false
}
