package models

import (
	"strings"
	"time"
)

// Role is a closed, totally ordered set. Comparisons use the ordinal value,
// never the string form.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "USER"
	case RoleAdmin:
		return "ADMIN"
	case RoleSuperAdmin:
		return "SUPER_ADMIN"
	default:
		return "UNKNOWN"
	}
}

func ParseRole(raw string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "USER":
		return RoleUser, true
	case "ADMIN":
		return RoleAdmin, true
	case "SUPER_ADMIN", "SUPERADMIN":
		return RoleSuperAdmin, true
	default:
		return RoleUser, false
	}
}

type Permission string

type Action string

const (
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
	ActionDelete     Action = "delete"
	ActionAdminister Action = "administer"
)

// Principal is the authenticated identity attached to a request. It is loaded
// fresh from the auth store on every request and never cached past the
// request's lifetime.
type Principal struct {
	ID     string       `json:"id"`
	Email  string       `json:"email"`
	Role   Role         `json:"role"`
	Grants []Permission `json:"grants,omitempty"`
	Active bool         `json:"active"`
}

// SessionSecurityState tracks the per-session security posture: the CSRF
// token (issued exactly once unless the session is regenerated), the origin
// the session was established from, and the timestamps driving periodic
// regeneration. Drift detection compares against the stored origin and never
// overwrites it.
type SessionSecurityState struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	CSRFToken         string    `json:"csrf_token"`
	IPAddress         string    `json:"ip_address"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	LastRegeneratedAt time.Time `json:"last_regenerated_at,omitempty"`
	SecureTransport   bool      `json:"secure_transport"`
}

// ResourceRef identifies a business resource for ownership checks. The loader
// supplying it is route-specific; the authorization engine only needs the
// owner identity.
type ResourceRef struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}
