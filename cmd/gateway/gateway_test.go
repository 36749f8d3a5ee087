package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"aegis/pkg/events"
	"aegis/pkg/identity"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/pipeline"
	"aegis/pkg/ratelimit"
	"aegis/pkg/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sessions := session.NewMemoryStore()
	users := NewUserStore(sessions, "test-secret")
	users.Add("user@example.com", "user-pass", models.RoleUser)
	users.Add("admin@example.com", "admin-pass", models.RoleAdmin)

	resolver := identity.NewResolver(users)
	resolver.Secret = "test-secret"

	chain := &pipeline.Chain{
		Limiter:  ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.NewMemorySuspects()),
		Resolver: resolver,
		Guardian: session.NewGuardian(sessions, events.Discard{}),
		Sink:     events.Discard{},
		Metrics:  metrics.NewRegistry(),
		IPs:      &ratelimit.IPResolver{},
	}
	return &Server{
		Chain:      chain,
		Users:      users,
		Projects:   NewProjectStore(),
		Sessions:   sessions,
		Hub:        events.NewHub(),
		Metrics:    chain.Metrics,
		CookieName: resolver.CookieName,
		AuthSecret: "test-secret",
		LoginLimit: ratelimit.Config{
			Window:      15 * time.Minute,
			MaxAttempts: 5,
			KeyFunc:     chain.IPEmailKey("email"),
		},
		APILimit:    ratelimit.Config{Window: time.Minute, MaxAttempts: 1000},
		FreshWindow: 15 * time.Minute,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	r.RemoteAddr = "1.2.3.4:1000"
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "test-agent")
	if mod != nil {
		mod(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func login(t *testing.T, h http.Handler, email, password string) (*http.Cookie, string, string) {
	t.Helper()
	w := doJSON(t, h, "POST", "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %+v", cookies)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}

	// Touch an authenticated route to learn the CSRF token.
	me := doJSON(t, h, "GET", "/api/me", "", func(r *http.Request) { r.AddCookie(cookies[0]) })
	if me.Code != http.StatusOK {
		t.Fatalf("me status = %d body = %s", me.Code, me.Body.String())
	}
	csrf := me.Header().Get("X-CSRF-Token")
	if csrf == "" {
		t.Fatal("csrf token not issued")
	}
	return cookies[0], csrf, out.Token
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).Routes()
	w := doJSON(t, h, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLoginFlowAndLockout(t *testing.T) {
	h := newTestServer(t).Routes()

	for i := 1; i <= 5; i++ {
		w := doJSON(t, h, "POST", "/auth/login", `{"email":"user@example.com","password":"wrong"}`, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
	}
	w := doJSON(t, h, "POST", "/auth/login", `{"email":"user@example.com","password":"wrong"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %s", w.Header().Get("X-RateLimit-Remaining"))
	}

	// Another account from the same address has its own budget.
	w = doJSON(t, h, "POST", "/auth/login", `{"email":"admin@example.com","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("other account status = %d", w.Code)
	}
}

func TestLoginRejectsInjection(t *testing.T) {
	h := newTestServer(t).Routes()
	w := doJSON(t, h, "POST", "/auth/login", `{"email":"admin'--","password":"x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Code != "MALICIOUS_INPUT_DETECTED" {
		t.Fatalf("body: %+v %v", body, err)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	_, _, token := login(t, h, "user@example.com", "user-pass")
	if token == "" {
		t.Fatal("no bearer token issued")
	}

	w := doJSON(t, h, "GET", "/api/me", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("bearer status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestProjectOwnershipEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	userCookie, userCSRF, _ := login(t, h, "user@example.com", "user-pass")
	adminCookie, _, _ := login(t, h, "admin@example.com", "admin-pass")

	// Create requires the CSRF token.
	w := doJSON(t, h, "POST", "/api/projects", `{"name":"brand study"}`, func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("create without csrf status = %d", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/projects", `{"name":"brand study"}`, func(r *http.Request) {
		r.AddCookie(userCookie)
		r.Header.Set("X-CSRF-Token", userCSRF)
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}
	var created Project
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	// Owner reads it back.
	w = doJSON(t, h, "GET", "/api/projects/"+created.ID, "", func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("owner get status = %d", w.Code)
	}

	// A second user's project is invisible to the first.
	other := srv.Projects.Create("someone-else", "competitor study")
	w = doJSON(t, h, "GET", "/api/projects/"+other.ID, "", func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-user get status = %d", w.Code)
	}

	// So is a project that does not exist.
	w = doJSON(t, h, "GET", "/api/projects/nope", "", func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing get status = %d", w.Code)
	}

	// Admin reads across owners.
	w = doJSON(t, h, "GET", "/api/projects/"+other.ID, "", func(r *http.Request) {
		r.AddCookie(adminCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin get status = %d", w.Code)
	}

	// Listing is scoped to the caller.
	w = doJSON(t, h, "GET", "/api/projects", "", func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed struct {
		Projects []Project `json:"projects"`
	}
	if err := json.NewDecoder(w.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Projects) != 1 || listed.Projects[0].ID != created.ID {
		t.Fatalf("listed = %+v", listed.Projects)
	}
}

func TestBulkOwnership(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	cookie, csrf, _ := login(t, h, "user@example.com", "user-pass")

	w := doJSON(t, h, "POST", "/api/projects/bulk",
		`{"items":[{"name":"a"},{"name":"b","owner_id":"intruder"}]}`,
		func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set("X-CSRF-Token", csrf)
		})
	if w.Code != http.StatusForbidden {
		t.Fatalf("mismatched batch status = %d", w.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Code != "BULK_OWNERSHIP_VIOLATION" {
		t.Fatalf("body: %+v %v", body, err)
	}

	w = doJSON(t, h, "POST", "/api/projects/bulk",
		`{"items":[{"name":"a"},{"name":"b"}]}`,
		func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set("X-CSRF-Token", csrf)
		})
	if w.Code != http.StatusCreated {
		t.Fatalf("clean batch status = %d body = %s", w.Code, w.Body.String())
	}
	var createdBody struct {
		Projects []Project `json:"projects"`
	}
	if err := json.NewDecoder(w.Body).Decode(&createdBody); err != nil {
		t.Fatal(err)
	}
	if len(createdBody.Projects) != 2 {
		t.Fatalf("created = %+v", createdBody.Projects)
	}
	for _, p := range createdBody.Projects {
		if p.OwnerID == "" || p.OwnerID == "intruder" {
			t.Fatalf("owner = %q", p.OwnerID)
		}
	}
}

func TestSecuritySurfaceRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	userCookie, _, _ := login(t, h, "user@example.com", "user-pass")
	adminCookie, _, _ := login(t, h, "admin@example.com", "admin-pass")

	w := doJSON(t, h, "GET", "/security/suspicious", "", func(r *http.Request) {
		r.AddCookie(userCookie)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("user status = %d", w.Code)
	}

	srv.Chain.Limiter.Suspects.Flag(context.Background(), "9.9.9.9", time.Hour)
	w = doJSON(t, h, "GET", "/security/suspicious", "", func(r *http.Request) {
		r.AddCookie(adminCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d body = %s", w.Code, w.Body.String())
	}
	var body struct {
		IPs []string `json:"suspicious_ips"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || len(body.IPs) != 1 {
		t.Fatalf("body: %+v %v", body, err)
	}

	w = doJSON(t, h, "DELETE", "/security/suspicious/9.9.9.9", "", func(r *http.Request) {
		r.AddCookie(adminCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if flagged, _ := srv.Chain.Limiter.Suspects.IsFlagged(context.Background(), "9.9.9.9"); flagged {
		t.Fatal("flag survived clear")
	}

	w = doJSON(t, h, "GET", "/security/metrics", "", func(r *http.Request) {
		r.AddCookie(adminCookie)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}

func TestDeleteAccountRequiresFreshSession(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	cookie, csrf, _ := login(t, h, "user@example.com", "user-pass")

	// Fresh session passes.
	w := doJSON(t, h, "DELETE", "/api/account", "", func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("X-CSRF-Token", csrf)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fresh delete status = %d body = %s", w.Code, w.Body.String())
	}

	// The account is deactivated: subsequent requests are rejected.
	w = doJSON(t, h, "GET", "/api/me", "", func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("post-delete status = %d", w.Code)
	}
}

type captureSink struct {
	mu   sync.Mutex
	recs []events.Event
}

func (s *captureSink) Record(_ context.Context, evt events.Event) {
	s.mu.Lock()
	s.recs = append(s.recs, evt)
	s.mu.Unlock()
}

func (s *captureSink) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.recs {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestDeviceDriftAfterLogin(t *testing.T) {
	srv := newTestServer(t)
	sink := &captureSink{}
	srv.Chain.Guardian.Sink = sink
	h := srv.Routes()
	cookie, _, _ := login(t, h, "user@example.com", "user-pass")

	// No drift while the device is unchanged.
	if n := len(sink.byType(events.TypeSuspiciousLogin)); n != 0 {
		t.Fatalf("drift events before device change = %d", n)
	}

	// The same session from a different device is reported, not rejected.
	w := doJSON(t, h, "GET", "/api/me", "", func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("User-Agent", "other-agent")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("drifted request status = %d body = %s", w.Code, w.Body.String())
	}
	drifts := sink.byType(events.TypeSuspiciousLogin)
	if len(drifts) != 1 {
		t.Fatalf("drift events = %d", len(drifts))
	}
	if drifts[0].Context["device_drift"] != true {
		t.Fatalf("drift context = %+v", drifts[0].Context)
	}

	// Strict mode turns the same drift into a hard rejection.
	srv.Chain.Guardian.StrictDrift = true
	w = doJSON(t, h, "GET", "/api/me", "", func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("User-Agent", "other-agent")
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("strict drift status = %d", w.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Code != "DEVICE_MISMATCH" {
		t.Fatalf("body: %+v %v", body, err)
	}
}

func TestWatchEventsStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWatchEvents))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	waitFor(t, func() bool { return srv.Hub.Len() == 1 })
	srv.Hub.Record(context.Background(), events.New(events.TypeSuspiciousIP, events.OutcomeFlagged,
		"origin flagged", map[string]interface{}{"ip": "9.9.9.9"}))

	var evt events.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != events.TypeSuspiciousIP {
		t.Fatalf("event type = %s", evt.Type)
	}

	// Closing the client releases the server-side subscription.
	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return srv.Hub.Len() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStaleSessionCannotDeleteAccount(t *testing.T) {
	srv := newTestServer(t)
	base := time.Now().UTC()
	srv.Chain.Guardian.Now = func() time.Time { return base }
	// Keep the session id stable for the test.
	srv.Chain.Guardian.RegenerationInterval = 24 * time.Hour
	h := srv.Routes()
	cookie, csrf, _ := login(t, h, "user@example.com", "user-pass")

	srv.Chain.Guardian.Now = func() time.Time { return base.Add(time.Hour) }
	w := doJSON(t, h, "DELETE", "/api/account", "", func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("X-CSRF-Token", csrf)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("stale delete status = %d", w.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Code != "FRESH_AUTH_REQUIRED" {
		t.Fatalf("body: %+v %v", body, err)
	}
}
