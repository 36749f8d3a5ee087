package sanitize

import (
	"testing"
)

func TestScanStringInjections(t *testing.T) {
	cases := []struct {
		input string
		sig   string
	}{
		{`' OR '1'='1`, "sql_tautology"},
		{`admin'--`, "sql_quote_comment"},
		{`1 UNION SELECT password FROM users`, "sql_union_select"},
		{`x; DROP TABLE users`, "sql_stacked_dml"},
		{`id=1 AND SLEEP(5)`, "sql_time_delay"},
		{`{"$where": "this.a == 1"}`, "nosql_operator"},
		{`{"$ne": null}`, "nosql_operator"},
		{`javascript:alert(1)`, "js_scheme"},
		{`eval(document.cookie)`, "js_eval"},
		{`<script>alert(1)</script>`, "xss_script_tag"},
		{`<img src=x onerror=alert(1)>`, "xss_event_handler"},
	}
	for _, tc := range cases {
		sig, ok := ScanString(tc.input)
		if !ok {
			t.Fatalf("expected %q to match %s", tc.input, tc.sig)
		}
		if sig != tc.sig {
			t.Fatalf("input %q matched %s, expected %s", tc.input, sig, tc.sig)
		}
	}
}

func TestScanStringBenign(t *testing.T) {
	benign := []string{
		"I'm learning SQL SELECT statements",
		"please update my delivery address",
		"union members voted yesterday",
		"the select committee will drop the hearing",
		"price is $10 or less",
		"O'Brien",
		"",
	}
	for _, s := range benign {
		if sig, ok := ScanString(s); ok {
			t.Fatalf("benign input %q flagged as %s", s, sig)
		}
	}
}

func TestScanNestedStructures(t *testing.T) {
	body := map[string]interface{}{
		"name": "alice",
		"filters": []interface{}{
			map[string]interface{}{"q": "market share EMEA"},
			map[string]interface{}{"q": "' OR '1'='1"},
		},
	}
	sig, ok := Scan(body)
	if !ok || sig != "sql_tautology" {
		t.Fatalf("expected nested tautology detection, got %q %v", sig, ok)
	}

	if _, ok := Scan(map[string]interface{}{"n": float64(42), "b": true, "x": nil}); ok {
		t.Fatal("non-string leaves must not match")
	}
}

func TestScanMaliciousKey(t *testing.T) {
	sig, ok := Scan(map[string]interface{}{"$where": "1"})
	if !ok || sig != "nosql_operator" {
		t.Fatalf("expected key detection, got %q %v", sig, ok)
	}
}

func TestScanCycle(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m
	if _, ok := Scan(m); ok {
		t.Fatal("cyclic structure must not match")
	}
}

func TestCleanString(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  hello  ", "hello"},
		{"a\x00b\x07c", "abc"},
		{"line1\nline2\tend", "line1\nline2\tend"},
		{`<script>alert(1)</script>rest`, "rest"},
		{`<iframe src="x"></iframe>text`, "text"},
		{`<img src=x onerror="alert(1)">`, "<img src=x>"},
		{`click javascript:alert(1)`, "click alert(1)"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanString(tc.in); got != tc.want {
			t.Fatalf("CleanString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCleanRecursive(t *testing.T) {
	in := map[string]interface{}{
		"name":  "  <script>x</script>bob ",
		"count": float64(3),
		"tags":  []interface{}{" a ", "<iframe>b</iframe>"},
	}
	out, ok := Clean(in).(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", Clean(in))
	}
	if out["name"] != "bob" {
		t.Fatalf("name = %q", out["name"])
	}
	if out["count"] != float64(3) {
		t.Fatalf("count altered: %v", out["count"])
	}
	tags := out["tags"].([]interface{})
	if tags[0] != "a" || tags[1] != "b" {
		t.Fatalf("tags = %v", tags)
	}
	if in["name"] != "  <script>x</script>bob " {
		t.Fatal("input mutated")
	}
}

func TestCleanCycle(t *testing.T) {
	m := map[string]interface{}{"v": "x"}
	m["self"] = m
	out := Clean(m).(map[string]interface{})
	if out["v"] != "x" {
		t.Fatalf("v = %q", out["v"])
	}
	if out["self"] != nil {
		t.Fatalf("cycle not broken: %v", out["self"])
	}
}

func TestCleanDropsUnsupportedLeaves(t *testing.T) {
	out := Clean(map[string]interface{}{"fn": func() {}}).(map[string]interface{})
	if out["fn"] != nil {
		t.Fatalf("function leaf survived: %v", out["fn"])
	}
}

func TestQueryHelpers(t *testing.T) {
	q := map[string][]string{"q": {"' OR '1'='1"}}
	if sig, ok := ScanQuery(q); !ok || sig != "sql_tautology" {
		t.Fatalf("query value not detected: %q %v", sig, ok)
	}
	if _, ok := ScanQuery(map[string][]string{"q": {"brand awareness"}}); ok {
		t.Fatal("benign query flagged")
	}
	cleaned := CleanQuery(map[string][]string{" k ": {" <iframe>v</iframe> "}})
	if vs := cleaned["k"]; len(vs) != 1 || vs[0] != "v" {
		t.Fatalf("cleaned = %v", cleaned)
	}
}
