package sanitize

import (
	"reflect"
	"regexp"
)

const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeMaliciousDetected = "MALICIOUS_INPUT_DETECTED"
)

type signature struct {
	name string
	re   *regexp.Regexp
}

// Injection signatures. Each pattern requires a combination of markers, not a
// lone SQL keyword: benign prose containing words like SELECT must never match.
var signatures = []signature{
	{"sql_tautology", regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`)},
	{"sql_quote_comment", regexp.MustCompile(`['"]\s*(--|/\*|#\s*$)`)},
	{"sql_union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{"sql_keyword_comment", regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|truncate)\b[^\n]{0,200}(--|/\*)`)},
	{"sql_stacked_dml", regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec)\b`)},
	{"sql_time_delay", regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`)},
	{"nosql_operator", regexp.MustCompile(`(?i)(^|[^\w$])\$(where|regex|ne|gt|gte|lt|lte|or|and|in|nin|exists)\b`)},
	{"js_scheme", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"js_eval", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"xss_script_tag", regexp.MustCompile(`(?i)<\s*script\b`)},
	{"xss_event_handler", regexp.MustCompile(`(?i)<[^>]+\son\w+\s*=`)},
}

// ScanString reports the first matching injection signature in a single
// string leaf.
func ScanString(s string) (string, bool) {
	for _, sig := range signatures {
		if sig.re.MatchString(s) {
			return sig.name, true
		}
	}
	return "", false
}

// ScanRaw inspects the raw serialized body before any decoding. Payloads can
// smuggle signatures across key/value boundaries, so the raw form is checked
// in addition to the decoded leaves.
func ScanRaw(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	return ScanString(string(raw))
}

// Scan walks an arbitrary decoded structure and checks every string leaf.
// Detection runs before cleanup: a single match rejects the whole request.
// Cycles are broken by tracking visited containers; unsupported leaf types
// are skipped, never an error.
func Scan(v interface{}) (string, bool) {
	return scanValue(v, map[uintptr]struct{}{})
}

func scanValue(v interface{}, seen map[uintptr]struct{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return ScanString(t)
	case map[string]interface{}:
		if !enter(t, seen) {
			return "", false
		}
		for k, vv := range t {
			if name, ok := ScanString(k); ok {
				return name, true
			}
			if name, ok := scanValue(vv, seen); ok {
				return name, true
			}
		}
		return "", false
	case []interface{}:
		if !enter(t, seen) {
			return "", false
		}
		for _, vv := range t {
			if name, ok := scanValue(vv, seen); ok {
				return name, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

// enter records a container pointer and reports whether it was unseen.
func enter(container interface{}, seen map[uintptr]struct{}) bool {
	ptr := reflect.ValueOf(container).Pointer()
	if _, ok := seen[ptr]; ok {
		return false
	}
	seen[ptr] = struct{}{}
	return true
}
