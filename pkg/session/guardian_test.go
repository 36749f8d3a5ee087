package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aegis/pkg/events"
	"aegis/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Record(ctx context.Context, evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *captureSink) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, evt := range s.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func testPrincipal() *models.Principal {
	return &models.Principal{ID: "u1", Email: "a@x.com", Role: models.RoleUser, Active: true}
}

func TestInspectCreatesStateAndIssuesCSRFOnce(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuardian(store, nil)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "agent-a")

	state, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if state.CSRFToken == "" {
		t.Fatal("csrf token not issued")
	}
	if state.UserID != "u1" || state.IPAddress != "1.2.3.4" {
		t.Fatalf("state = %+v", state)
	}
	first := state.CSRFToken

	state, err = g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if state.CSRFToken != first {
		t.Fatal("csrf token changed between requests")
	}

	other, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-2", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if other.CSRFToken == first {
		t.Fatal("csrf token shared across sessions")
	}
}

func TestInspectReportsDriftWithoutMutatingOrigin(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	g := NewGuardian(store, sink)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "agent-a")
	if _, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("User-Agent", "agent-b")
	state, err := g.Inspect(context.Background(), r2, testPrincipal(), "sess-1", "5.6.7.8")
	if err != nil {
		t.Fatalf("drift must not reject in default mode: %v", err)
	}
	if state.IPAddress != "1.2.3.4" {
		t.Fatalf("stored origin overwritten: %s", state.IPAddress)
	}
	if state.DeviceFingerprint != Fingerprint(r) {
		t.Fatal("stored fingerprint overwritten")
	}

	reported := sink.byType(events.TypeSuspiciousLogin)
	if len(reported) != 1 {
		t.Fatalf("drift events = %d", len(reported))
	}
	if reported[0].Context["request_ip"] != "5.6.7.8" {
		t.Fatalf("event context = %v", reported[0].Context)
	}
}

func TestInspectStrictDriftRejects(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuardian(store, nil)
	g.StrictDrift = true

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "agent-a")
	if _, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "5.6.7.8"); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestInspectRegeneratesOnSchedule(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	g := NewGuardian(store, sink)

	base := time.Now().UTC()
	g.Now = func() time.Time { return base }

	r := httptest.NewRequest("GET", "/", nil)
	state, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if state.SessionID != "sess-1" {
		t.Fatal("regenerated on first touch")
	}

	g.Now = func() time.Time { return base.Add(31 * time.Minute) }
	state, err = g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if state.SessionID == "sess-1" {
		t.Fatal("identifier not rotated past the interval")
	}
	rotated := state.SessionID
	if len(sink.byType(events.TypeSessionRegenerate)) != 1 {
		t.Fatal("regeneration not reported")
	}

	// The old identifier no longer resolves.
	if old, _ := store.Get(context.Background(), "sess-1"); old != nil {
		t.Fatal("old session id still resolves")
	}

	g.Now = func() time.Time { return base.Add(36 * time.Minute) }
	state, err = g.Inspect(context.Background(), r, testPrincipal(), rotated, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if state.SessionID != rotated {
		t.Fatal("rotated again inside the interval")
	}
}

type failingRegenStore struct {
	*MemoryStore
}

func (s *failingRegenStore) Regenerate(ctx context.Context, sessionID string) (string, error) {
	return "", errors.New("backend unavailable")
}

func TestInspectRegenerationFailureIsSoft(t *testing.T) {
	store := &failingRegenStore{NewMemoryStore()}
	g := NewGuardian(store, nil)
	base := time.Now().UTC()
	g.Now = func() time.Time { return base }

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	g.Now = func() time.Time { return base.Add(time.Hour) }
	state, err := g.Inspect(context.Background(), r, testPrincipal(), "sess-1", "1.2.3.4")
	if err != nil {
		t.Fatalf("regeneration failure must not reject: %v", err)
	}
	if state.SessionID != "sess-1" {
		t.Fatalf("session id = %s", state.SessionID)
	}
}

func TestRequireFresh(t *testing.T) {
	g := NewGuardian(NewMemoryStore(), nil)
	base := time.Now().UTC()
	g.Now = func() time.Time { return base }

	state := &models.SessionSecurityState{SessionID: "s", CreatedAt: base.Add(-10 * time.Minute)}
	if err := g.RequireFresh(state, 15*time.Minute); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}
	if err := g.RequireFresh(state, 5*time.Minute); !errors.Is(err, ErrFreshAuthRequired) {
		t.Fatalf("stale session accepted: %v", err)
	}
	if err := g.RequireFresh(nil, 5*time.Minute); !errors.Is(err, ErrNoSession) {
		t.Fatalf("nil state: %v", err)
	}
	if err := g.RequireFresh(state, 0); err != nil {
		t.Fatalf("zero window must not gate: %v", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/", nil)
	r1.Header.Set("User-Agent", "agent-a")
	r1.Header.Set("Accept-Language", "en-US")

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("User-Agent", "agent-a")
	r2.Header.Set("Accept-Language", "en-US")

	if Fingerprint(r1) != Fingerprint(r2) {
		t.Fatal("same headers produced different fingerprints")
	}

	r2.Header.Set("User-Agent", "agent-b")
	if Fingerprint(r1) == Fingerprint(r2) {
		t.Fatal("different agents produced the same fingerprint")
	}
}
