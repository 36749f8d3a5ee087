package main

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aegis/pkg/authz"
	"aegis/pkg/events"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/models"
	"aegis/pkg/pipeline"
	"aegis/pkg/session"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email := pipeline.BodyString(r.Context(), "email")
	password := pipeline.BodyString(r.Context(), "password")
	if email == "" || password == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_INPUT", "email and password required")
		return
	}
	p := s.Users.Authenticate(email, password)
	if p == nil {
		s.Chain.Sink.Record(r.Context(), events.New(events.TypeAuthFailure, events.OutcomeBlocked,
			"login failed", map[string]interface{}{"email": email, "client_ip": s.Chain.ClientIP(r)}))
		httpx.Error(w, http.StatusUnauthorized, identity.CodeInvalidToken, "invalid credentials")
		return
	}
	sessionID := uuid.NewString()
	now := time.Now().UTC()
	state := &models.SessionSecurityState{
		SessionID:         sessionID,
		UserID:            p.ID,
		IPAddress:         s.Chain.ClientIP(r),
		DeviceFingerprint: session.Fingerprint(r),
		CreatedAt:         now,
		LastActivityAt:    now,
		SecureTransport:   r.TLS != nil,
	}
	if err := s.Sessions.Save(r.Context(), state); err != nil {
		httpx.Error(w, http.StatusInternalServerError, pipeline.CodeInternalError, "session unavailable")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   state.SecureTransport,
		SameSite: http.SameSiteLaxMode,
	})
	token, err := identity.SignHS256(identity.Claims{
		Sub: p.ID,
		JTI: uuid.NewString(),
		Iat: now.Unix(),
		Exp: now.Add(24 * time.Hour).Unix(),
	}, s.AuthSecret)
	if err != nil {
		token = ""
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": p.ID,
		"role":    p.Role.String(),
		"token":   token,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, identity.CodeAuthRequired, "authentication required")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, identity.CodeAuthRequired, "authentication required")
		return
	}
	name := pipeline.BodyString(r.Context(), "name")
	if name == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_INPUT", "name required")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, s.Projects.Create(p.ID, name))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project := s.Projects.Get(chi.URLParam(r, "id"))
	if project == nil {
		httpx.Error(w, http.StatusForbidden, authz.CodeAccessDenied, "access denied")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	name := pipeline.BodyString(r.Context(), "name")
	if name == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_INPUT", "name required")
		return
	}
	project := s.Projects.Update(chi.URLParam(r, "id"), name)
	if project == nil {
		httpx.Error(w, http.StatusForbidden, authz.CodeAccessDenied, "access denied")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFromContext(r.Context())
	filter := authz.ScopeToOwner(p, nil, "owner_id")
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"projects": s.Projects.List(filter),
	})
}

// handleBulkProjects accepts a collection of project payloads; every item
// must belong to the caller, and items without an owner are claimed for the
// caller rather than rejected.
func (s *Server) handleBulkProjects(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, identity.CodeAuthRequired, "authentication required")
		return
	}
	body, _ := pipeline.BodyFromContext(r.Context())
	rawItems, _ := body["items"].([]interface{})
	items := make([]map[string]interface{}, 0, len(rawItems))
	for _, raw := range rawItems {
		if item, ok := raw.(map[string]interface{}); ok {
			items = append(items, item)
		}
	}
	if err := authz.ValidateBulkOwnership(p, items, "owner_id"); err != nil {
		s.Chain.WriteAuthzError(w, err)
		return
	}
	created := make([]*Project, 0, len(items))
	for _, item := range items {
		name, _ := item["name"].(string)
		owner, _ := item["owner_id"].(string)
		if name == "" {
			continue
		}
		created = append(created, s.Projects.Create(owner, name))
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{"projects": created})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, identity.CodeAuthRequired, "authentication required")
		return
	}
	s.Users.Deactivate(p.Email)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListSuspicious(w http.ResponseWriter, r *http.Request) {
	ips, err := s.Chain.Limiter.Suspects.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, pipeline.CodeInternalError, "suspect store unavailable")
		return
	}
	if ips == nil {
		ips = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"suspicious_ips": ips})
}

func (s *Server) handleClearSuspicious(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := s.Chain.Limiter.Suspects.Clear(r.Context(), ip); err != nil {
		httpx.Error(w, http.StatusInternalServerError, pipeline.CodeInternalError, "suspect store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared", "ip": ip})
}

// handleWatchEvents streams live security events to an operator websocket.
func (s *Server) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.EventLog == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": []events.Event{}})
		return
	}
	recent, err := s.EventLog.Recent(r.Context(), 100)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, pipeline.CodeInternalError, "event store unavailable")
		return
	}
	if recent == nil {
		recent = []events.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": recent})
}
