package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/pkg/identity"
	"aegis/pkg/models"
	"aegis/pkg/session"
)

// UserStore is the demo auth store backing the pipeline's AuthStore
// contract: session cookies resolve through the session store, bearer tokens
// through HS256 claims.
type UserStore struct {
	mu       sync.RWMutex
	byEmail  map[string]*user
	byID     map[string]*user
	sessions session.Store
	secret   string
}

type user struct {
	ID           string
	Email        string
	PasswordHash string
	Role         models.Role
	Active       bool
}

func NewUserStore(sessions session.Store, secret string) *UserStore {
	return &UserStore{
		byEmail:  map[string]*user{},
		byID:     map[string]*user{},
		sessions: sessions,
		secret:   secret,
	}
}

// Seed parses "email:password:ROLE" triples separated by commas.
func (s *UserStore) Seed(raw string) {
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 {
			continue
		}
		role := models.RoleUser
		if len(parts) >= 3 {
			role, _ = models.ParseRole(parts[2])
		}
		s.Add(parts[0], parts[1], role)
	}
}

func (s *UserStore) Add(email, password string, role models.Role) *user {
	u := &user{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hashPassword(password),
		Role:         role,
		Active:       true,
	}
	s.mu.Lock()
	s.byEmail[u.Email] = u
	s.byID[u.ID] = u
	s.mu.Unlock()
	return u
}

func (s *UserStore) Deactivate(email string) {
	s.mu.Lock()
	if u, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		u.Active = false
	}
	s.mu.Unlock()
}

// Authenticate verifies an email/password pair for the login flow.
func (s *UserStore) Authenticate(email, password string) *models.Principal {
	s.mu.RLock()
	u, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(hashPassword(password))) != 1 {
		return nil
	}
	return u.principal()
}

func (s *UserStore) PrincipalByCredential(ctx context.Context, credential string) (*models.Principal, error) {
	state, sessErr := s.sessions.Get(ctx, credential)
	if state != nil {
		return s.byUserID(state.UserID), nil
	}
	if s.secret != "" {
		if claims, err := identity.VerifyHS256(credential, s.secret, time.Now().UTC()); err == nil {
			return s.byUserID(claims.Sub), nil
		}
	}
	// A session store failure must surface as a system error, not an
	// invalid-credential 401. Signed bearer tokens above stay usable
	// through an outage.
	if sessErr != nil {
		return nil, fmt.Errorf("session lookup: %w", sessErr)
	}
	return nil, nil
}

func (s *UserStore) IsActive(ctx context.Context, p *models.Principal) (bool, error) {
	if p == nil {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[p.ID]
	return ok && u.Active, nil
}

func (s *UserStore) byUserID(id string) *models.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byID[id]; ok {
		return u.principal()
	}
	return nil
}

func (u *user) principal() *models.Principal {
	return &models.Principal{ID: u.ID, Email: u.Email, Role: u.Role, Active: u.Active}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ProjectStore is the demo resource backend behind the per-route resource
// loader.
type ProjectStore struct {
	mu    sync.RWMutex
	items map[string]*Project
}

type Project struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

func NewProjectStore() *ProjectStore {
	return &ProjectStore{items: map[string]*Project{}}
}

func (s *ProjectStore) Create(ownerID, name string) *Project {
	p := &Project{ID: uuid.NewString(), OwnerID: ownerID, Name: name}
	s.mu.Lock()
	s.items[p.ID] = p
	s.mu.Unlock()
	return p
}

func (s *ProjectStore) Get(id string) *Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[id]
}

func (s *ProjectStore) Update(id, name string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil
	}
	p.Name = name
	return p
}

// List applies the scoped filter produced by authz.ScopeToOwner.
func (s *ProjectStore) List(filter map[string]interface{}) []*Project {
	owner, restricted := filter["owner_id"].(string)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.items))
	for _, p := range s.items {
		if restricted && p.OwnerID != owner {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Load is the pipeline.ResourceLoader for projects.
func (s *ProjectStore) Load(ctx context.Context, resourceType, id string) (*models.ResourceRef, error) {
	p := s.Get(id)
	if p == nil {
		return nil, nil
	}
	return &models.ResourceRef{Type: resourceType, ID: p.ID, OwnerID: p.OwnerID}, nil
}
