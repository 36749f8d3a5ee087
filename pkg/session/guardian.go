package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"aegis/pkg/events"
	"aegis/pkg/models"
)

const (
	CodeDeviceMismatch    = "DEVICE_MISMATCH"
	CodeFreshAuthRequired = "FRESH_AUTH_REQUIRED"
)

var (
	ErrDeviceMismatch    = errors.New("device or address mismatch")
	ErrFreshAuthRequired = errors.New("recent authentication required")
	ErrNoSession         = errors.New("no session state")
)

// Store is the external session store contract.
type Store interface {
	Get(ctx context.Context, sessionID string) (*models.SessionSecurityState, error)
	Save(ctx context.Context, state *models.SessionSecurityState) error
	// Regenerate rotates the session identifier and returns the new one.
	Regenerate(ctx context.Context, sessionID string) (string, error)
}

// Guardian maintains per-session security state: exactly-once CSRF issuance,
// origin drift detection, activity tracking and periodic identifier
// regeneration.
type Guardian struct {
	Store                Store
	Sink                 events.Sink
	RegenerationInterval time.Duration
	// StrictDrift turns drift from a reported anomaly into a hard rejection.
	StrictDrift bool
	TokenBytes  int
	Now         func() time.Time
}

func NewGuardian(store Store, sink events.Sink) *Guardian {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Guardian{
		Store:                store,
		Sink:                 sink,
		RegenerationInterval: 30 * time.Minute,
		TokenBytes:           32,
	}
}

func (g *Guardian) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// Inspect runs the guardian over one authenticated request and returns the
// (possibly regenerated) session state. The returned state's SessionID may
// differ from the input when regeneration fired; callers re-issue the cookie
// in that case.
func (g *Guardian) Inspect(ctx context.Context, r *http.Request, p *models.Principal, sessionID, clientIP string) (*models.SessionSecurityState, error) {
	now := g.now()
	state, err := g.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	fingerprint := Fingerprint(r)
	if state == nil {
		state = &models.SessionSecurityState{
			SessionID:         sessionID,
			UserID:            p.ID,
			IPAddress:         clientIP,
			DeviceFingerprint: fingerprint,
			CreatedAt:         now,
			SecureTransport:   r.TLS != nil,
		}
	}

	// CSRF issuance happens exactly once per session lifetime; only a full
	// regeneration mints a new token.
	if state.CSRFToken == "" {
		token, err := g.newToken()
		if err != nil {
			return nil, fmt.Errorf("csrf token: %w", err)
		}
		state.CSRFToken = token
	}

	// Drift is observed and reported against the stored origin, which is
	// never overwritten here: silently adopting the new origin would erase
	// the audit trail.
	ipDrift := state.IPAddress != "" && clientIP != "" && state.IPAddress != clientIP
	deviceDrift := state.DeviceFingerprint != "" && fingerprint != "" && state.DeviceFingerprint != fingerprint
	if ipDrift || deviceDrift {
		g.Sink.Record(ctx, events.New(events.TypeSuspiciousLogin, events.OutcomeReported,
			"session origin drift detected", map[string]interface{}{
				"session_id":      state.SessionID,
				"user_id":         state.UserID,
				"stored_ip":       state.IPAddress,
				"request_ip":      clientIP,
				"stored_device":   state.DeviceFingerprint,
				"request_device":  fingerprint,
				"ip_drift":        ipDrift,
				"device_drift":    deviceDrift,
				"strict_rejected": g.StrictDrift,
			}))
		if g.StrictDrift {
			return nil, ErrDeviceMismatch
		}
	}

	state.LastActivityAt = now

	if g.due(state, now) {
		newID, err := g.Store.Regenerate(ctx, state.SessionID)
		if err != nil {
			// The stale identifier stays usable until the next pass.
			log.Printf("session regeneration failed for %s: %v", state.SessionID, err)
		} else {
			oldID := state.SessionID
			state.SessionID = newID
			state.LastRegeneratedAt = now
			g.Sink.Record(ctx, events.New(events.TypeSessionRegenerate, events.OutcomeReported,
				"session identifier rotated", map[string]interface{}{
					"old_session_id": oldID,
					"new_session_id": newID,
					"user_id":        state.UserID,
				}))
		}
	}

	if err := g.Store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("session save: %w", err)
	}
	return state, nil
}

func (g *Guardian) due(state *models.SessionSecurityState, now time.Time) bool {
	interval := g.RegenerationInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	anchor := state.LastRegeneratedAt
	if anchor.IsZero() {
		anchor = state.CreatedAt
	}
	return now.Sub(anchor) > interval
}

// RequireFresh gates sensitive operations on session age: the session must
// have fully authenticated within the given window.
func (g *Guardian) RequireFresh(state *models.SessionSecurityState, window time.Duration) error {
	if state == nil {
		return ErrNoSession
	}
	if window <= 0 {
		return nil
	}
	if g.now().Sub(state.CreatedAt) > window {
		return ErrFreshAuthRequired
	}
	return nil
}

func (g *Guardian) newToken() (string, error) {
	n := g.TokenBytes
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Fingerprint derives a stable device identifier from client-reported
// headers. It is a drift signal, not an authenticator.
func Fingerprint(r *http.Request) string {
	raw := r.Header.Get("User-Agent") + "|" + r.Header.Get("Accept-Language") + "|" + r.Header.Get("Sec-Ch-Ua-Platform")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
