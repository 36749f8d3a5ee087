package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"aegis/pkg/models"
)

const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeInvalidToken = "AUTH_INVALID_TOKEN"
	CodeUserInactive = "AUTH_USER_INACTIVE"
)

var (
	ErrNoCredential      = errors.New("no credential presented")
	ErrInvalidCredential = errors.New("credential invalid or expired")
	ErrInactive          = errors.New("account inactive")
)

// AuthStore is the external user/session store the resolver is a thin
// adapter over.
type AuthStore interface {
	PrincipalByCredential(ctx context.Context, credential string) (*models.Principal, error)
	IsActive(ctx context.Context, p *models.Principal) (bool, error)
}

// Identity is the resolver's output: the principal plus the credential's
// token id, which downstream stages use for session correlation. SessionID
// is set only for cookie credentials.
type Identity struct {
	Principal *models.Principal
	TokenID   string
	SessionID string
}

type Resolver struct {
	Store      AuthStore
	CookieName string
	// Secret enables HS256 bearer-token verification. Empty means bearer
	// tokens are passed to the store as opaque credentials.
	Secret string
}

func NewResolver(store AuthStore) *Resolver {
	return &Resolver{Store: store, CookieName: "session_id"}
}

// Resolve extracts the request credential, resolves it against the store and
// returns the authenticated identity. ErrNoCredential means nothing was
// presented; the caller decides whether the route requires authentication.
func (rv *Resolver) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	cookieName := rv.CookieName
	if cookieName == "" {
		cookieName = "session_id"
	}
	if c, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		sessionID := strings.TrimSpace(c.Value)
		id, err := rv.lookup(ctx, sessionID, sessionID)
		if err != nil {
			return Identity{}, err
		}
		id.SessionID = sessionID
		return id, nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Identity{}, ErrNoCredential
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Identity{}, ErrInvalidCredential
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return Identity{}, ErrNoCredential
	}
	tokenID := token
	if rv.Secret != "" {
		claims, err := VerifyHS256(token, rv.Secret, time.Now().UTC())
		if err != nil {
			return Identity{}, ErrInvalidCredential
		}
		if claims.JTI != "" {
			tokenID = claims.JTI
		}
	}
	return rv.lookup(ctx, token, tokenID)
}

func (rv *Resolver) lookup(ctx context.Context, credential, tokenID string) (Identity, error) {
	p, err := rv.Store.PrincipalByCredential(ctx, credential)
	if err != nil {
		return Identity{}, err
	}
	if p == nil {
		return Identity{}, ErrInvalidCredential
	}
	active, err := rv.Store.IsActive(ctx, p)
	if err != nil {
		return Identity{}, err
	}
	if !active {
		return Identity{}, ErrInactive
	}
	return Identity{Principal: p, TokenID: tokenID}, nil
}

type contextKey string

const identityContextKey contextKey = "aegis.identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// PrincipalFromContext is the common downstream accessor.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	id, ok := FromContext(ctx)
	if !ok || id.Principal == nil {
		return nil, false
	}
	return id.Principal, true
}
