package pipeline

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aegis/pkg/authz"
	"aegis/pkg/events"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/ratelimit"
	"aegis/pkg/sanitize"
	"aegis/pkg/session"
)

const (
	CodeCSRFInvalid   = "CSRF_INVALID"
	CodeInternalError = "INTERNAL_ERROR"
)

// Chain holds the shared guard state and builds the per-route middleware
// stack. Stage order per request: sanitize, rate limit, identity, session
// guardian, authorization; each stage may short-circuit with a coded error.
type Chain struct {
	Limiter  *ratelimit.Limiter
	Resolver *identity.Resolver
	Guardian *session.Guardian
	Sink     events.Sink
	Metrics  *metrics.Registry
	IPs      *ratelimit.IPResolver
}

func (c *Chain) sink() events.Sink {
	if c.Sink == nil {
		return events.Discard{}
	}
	return c.Sink
}

func (c *Chain) deny(w http.ResponseWriter, status int, code, msg string) {
	if c.Metrics != nil {
		c.Metrics.Denial(code)
	}
	httpx.Error(w, status, code, msg)
}

func (c *Chain) emit(ctx context.Context, evt events.Event) {
	if c.Metrics != nil {
		c.Metrics.SecurityEvent(evt.Type)
	}
	c.sink().Record(ctx, evt)
}

// ClientIP resolves the request's client address through the configured
// trusted-proxy rules.
func (c *Chain) ClientIP(r *http.Request) string {
	if c.IPs == nil {
		c.IPs = &ratelimit.IPResolver{}
	}
	return c.IPs.ClientIP(r)
}

// Sanitize inspects and normalizes the request payload. Detection runs
// before cleanup: any injection signature in the raw body, decoded leaves,
// query string or path rejects the request outright. Scanning the decoded
// path covers route parameters, which are path segments.
func (c *Chain) Sanitize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name, ok := sanitize.ScanString(r.URL.Path); ok {
			c.rejectMalicious(w, r, "path", name)
			return
		}
		if name, ok := sanitize.ScanQuery(r.URL.Query()); ok {
			c.rejectMalicious(w, r, "query", name)
			return
		}
		ctx := withQuery(r.Context(), sanitize.CleanQuery(r.URL.Query()))

		if r.Body != nil && r.Body != http.NoBody {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				c.deny(w, http.StatusBadRequest, sanitize.CodeInvalidInput, "unreadable request body")
				return
			}
			_ = r.Body.Close()
			if len(bytes.TrimSpace(raw)) > 0 {
				if name, ok := sanitize.ScanRaw(raw); ok {
					c.rejectMalicious(w, r, "body", name)
					return
				}
				if isJSON(r.Header.Get("Content-Type")) {
					var decoded interface{}
					if err := json.Unmarshal(raw, &decoded); err != nil {
						c.deny(w, http.StatusBadRequest, sanitize.CodeInvalidInput, "malformed json body")
						return
					}
					if name, ok := sanitize.Scan(decoded); ok {
						c.rejectMalicious(w, r, "body", name)
						return
					}
					cleaned := sanitize.Clean(decoded)
					if obj, ok := cleaned.(map[string]interface{}); ok {
						ctx = withBody(ctx, obj)
					}
					reencoded, err := json.Marshal(cleaned)
					if err != nil {
						c.deny(w, http.StatusBadRequest, sanitize.CodeInvalidInput, "unprocessable body")
						return
					}
					raw = reencoded
				}
				r.Body = io.NopCloser(bytes.NewReader(raw))
				r.ContentLength = int64(len(raw))
			} else {
				r.Body = http.NoBody
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (c *Chain) rejectMalicious(w http.ResponseWriter, r *http.Request, where, signature string) {
	c.emit(r.Context(), events.New(events.TypeMaliciousInput, events.OutcomeBlocked,
		"injection signature matched", map[string]interface{}{
			"signature": signature,
			"location":  where,
			"path":      r.URL.Path,
			"client_ip": c.ClientIP(r),
		}))
	c.deny(w, http.StatusBadRequest, sanitize.CodeMaliciousDetected, "request content rejected")
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == "" || strings.HasPrefix(ct, "application/json")
}

// RateLimit builds the counting guard for one route class. The default key
// is the resolved client IP; cfg.KeyFunc overrides it (the login route keys
// on IP plus submitted email). This guard fails closed: key derivation or
// counter store errors deny with 500, never silently allow.
func (c *Chain) RateLimit(class string, cfg ratelimit.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := c.ClientIP(r)
			suffix := clientIP
			if cfg.KeyFunc != nil {
				derived, err := cfg.KeyFunc(r)
				if err != nil {
					c.deny(w, http.StatusInternalServerError, ratelimit.CodeSystemError, "rate limit unavailable")
					return
				}
				suffix = derived
			}
			key := class + ":" + suffix
			decision, err := c.Limiter.Check(r.Context(), key, clientIP, cfg)
			if err != nil {
				c.deny(w, http.StatusInternalServerError, ratelimit.CodeSystemError, "rate limit unavailable")
				return
			}
			ratelimit.SetHeaders(w, decision)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			c.emit(r.Context(), events.New(events.TypeRateLimitExceeded, events.OutcomeBlocked,
				"rate limit exceeded", map[string]interface{}{
					"key":              key,
					"count":            decision.Count,
					"limit":            decision.Limit,
					"violations":       decision.Violations,
					"captcha_required": decision.CaptchaRequired,
				}))
			if decision.NewlySuspicious {
				if c.Metrics != nil {
					c.Metrics.SuspectFlagged()
				}
				c.emit(r.Context(), events.New(events.TypeSuspiciousIP, events.OutcomeFlagged,
					"origin flagged suspicious after repeated violations", map[string]interface{}{
						"ip":         clientIP,
						"key":        key,
						"violations": decision.Violations,
					}))
			}
			if c.Metrics != nil {
				c.Metrics.Denial(ratelimit.CodeRateLimitExceeded)
			}
			httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":            "too many requests",
				"code":             ratelimit.CodeRateLimitExceeded,
				"retry_after":      int(time.Until(decision.ResetAt).Seconds()),
				"captcha_required": decision.CaptchaRequired,
			})
		})
	}
}

// Authenticate resolves the request credential. required distinguishes
// mandatory-auth routes from optional-auth ones, where an absent credential
// passes through with no principal attached.
func (c *Chain) Authenticate(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := c.Resolver.Resolve(r.Context(), r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
			case errors.Is(err, identity.ErrNoCredential):
				if !required {
					next.ServeHTTP(w, r)
					return
				}
				c.deny(w, http.StatusUnauthorized, identity.CodeAuthRequired, "authentication required")
			case errors.Is(err, identity.ErrInvalidCredential):
				c.emit(r.Context(), events.New(events.TypeAuthFailure, events.OutcomeBlocked,
					"invalid credential", map[string]interface{}{"client_ip": c.ClientIP(r), "path": r.URL.Path}))
				c.deny(w, http.StatusUnauthorized, identity.CodeInvalidToken, "invalid or expired credential")
			case errors.Is(err, identity.ErrInactive):
				c.deny(w, http.StatusUnauthorized, identity.CodeUserInactive, "account inactive")
			default:
				c.deny(w, http.StatusInternalServerError, CodeInternalError, "authentication unavailable")
			}
		})
	}
}

// Guard runs the session guardian for cookie-authenticated requests. Bearer
// requests carry no session and pass through.
func (c *Chain) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok || id.Principal == nil || id.SessionID == "" {
			next.ServeHTTP(w, r)
			return
		}
		state, err := c.Guardian.Inspect(r.Context(), r, id.Principal, id.SessionID, c.ClientIP(r))
		if err != nil {
			if errors.Is(err, session.ErrDeviceMismatch) {
				c.deny(w, http.StatusForbidden, session.CodeDeviceMismatch, "session origin mismatch")
				return
			}
			c.deny(w, http.StatusInternalServerError, CodeInternalError, "session verification unavailable")
			return
		}
		if state.SessionID != id.SessionID {
			http.SetCookie(w, &http.Cookie{
				Name:     c.cookieName(),
				Value:    state.SessionID,
				Path:     "/",
				HttpOnly: true,
				Secure:   state.SecureTransport,
				SameSite: http.SameSiteLaxMode,
			})
		}
		w.Header().Set("X-CSRF-Token", state.CSRFToken)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), state)))
	})
}

func (c *Chain) cookieName() string {
	if c.Resolver != nil && c.Resolver.CookieName != "" {
		return c.Resolver.CookieName
	}
	return "session_id"
}

// RequireFresh gates a route on recent full authentication.
func (c *Chain) RequireFresh(window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, ok := SessionFromContext(r.Context())
			if !ok {
				c.deny(w, http.StatusForbidden, session.CodeFreshAuthRequired, "recent authentication required")
				return
			}
			if err := c.Guardian.RequireFresh(state, window); err != nil {
				c.deny(w, http.StatusForbidden, session.CodeFreshAuthRequired, "recent authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCSRF verifies the echoed token on state-changing routes that opt in.
func (c *Chain) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, ok := SessionFromContext(r.Context())
		if !ok {
			c.deny(w, http.StatusForbidden, CodeCSRFInvalid, "csrf token required")
			return
		}
		presented := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(state.CSRFToken)) != 1 {
			c.deny(w, http.StatusForbidden, CodeCSRFInvalid, "csrf token invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole gates a route on the role order.
func (c *Chain) RequireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := identity.PrincipalFromContext(r.Context())
			if err := authz.RequireRole(p, min); err != nil {
				c.WriteAuthzError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission gates a route on the static permission table.
func (c *Chain) RequirePermission(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := identity.PrincipalFromContext(r.Context())
			if err := authz.RequirePermission(p, perm); err != nil {
				c.WriteAuthzError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ResourceLoader supplies per-route resource lookup for ownership checks.
type ResourceLoader func(ctx context.Context, resourceType, id string) (*models.ResourceRef, error)

// Authorize checks the acting principal against a loaded resource. An
// unknown resource answers 403 rather than 404 so existence does not leak
// across users.
func (c *Chain) Authorize(action models.Action, resourceType string, idFrom func(*http.Request) string, load ResourceLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := identity.PrincipalFromContext(r.Context())
			if !ok {
				c.deny(w, http.StatusUnauthorized, authz.CodeAuthRequired, "authentication required")
				return
			}
			ref, err := load(r.Context(), resourceType, idFrom(r))
			if err != nil {
				c.deny(w, http.StatusInternalServerError, CodeInternalError, "authorization unavailable")
				return
			}
			if ref == nil {
				c.denyAccess(w, r, p, action, resourceType)
				return
			}
			if decision := authz.Decide(p, action, *ref); !decision.Allowed {
				if decision.Code == authz.CodeAuthRequired {
					c.deny(w, http.StatusUnauthorized, decision.Code, "authentication required")
					return
				}
				c.denyAccess(w, r, p, action, resourceType)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c *Chain) denyAccess(w http.ResponseWriter, r *http.Request, p *models.Principal, action models.Action, resourceType string) {
	c.emit(r.Context(), events.New(events.TypeAccessDenied, events.OutcomeBlocked,
		"ownership check failed", map[string]interface{}{
			"principal_id":  p.ID,
			"action":        string(action),
			"resource_type": resourceType,
			"path":          r.URL.Path,
		}))
	c.deny(w, http.StatusForbidden, authz.CodeAccessDenied, "access denied")
}

// WriteAuthzError maps authorization engine errors to their status/code
// pairs. Authorization failure is an expected outcome and never surfaces as
// a 500.
func (c *Chain) WriteAuthzError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrNoPrincipal):
		c.deny(w, http.StatusUnauthorized, authz.CodeAuthRequired, "authentication required")
	case errors.Is(err, authz.ErrInsufficientRole):
		c.deny(w, http.StatusForbidden, authz.CodeInsufficientRole, "insufficient role")
	case errors.Is(err, authz.ErrSelfOrAdmin):
		c.deny(w, http.StatusForbidden, authz.CodeSelfOrAdmin, "self or admin required")
	case errors.Is(err, authz.ErrBulkOwnership):
		c.deny(w, http.StatusForbidden, authz.CodeBulkOwnership, "bulk ownership violation")
	default:
		c.deny(w, http.StatusForbidden, authz.CodeAccessDenied, "access denied")
	}
}

// IPEmailKey builds the login-route key generator: client IP joined with the
// submitted email, so attempts against different accounts from one address
// are tracked independently.
func (c *Chain) IPEmailKey(field string) func(*http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		ip := c.ClientIP(r)
		email := strings.ToLower(strings.TrimSpace(BodyString(r.Context(), field)))
		if email == "" {
			return ip, nil
		}
		return ip + ":" + email, nil
	}
}
