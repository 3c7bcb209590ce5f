package api

import (
	"context"
	"net/http"
	"strings"

	"pettrack/internal/auth"
)

type ctxKeyPrincipal struct{}

// getPrincipal extracts the caller from the bearer token. In dev mode a
// request without a token acts as the configured device's bridge.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		// browsers cannot set headers on WebSocket upgrades
		return s.Auth.Verify(tok)
	}
	if s.Auth.Mode == "dev" {
		return auth.Principal{DeviceID: s.Config.DeviceID, Role: auth.RoleBridge}, nil
	}
	return auth.Principal{}, auth.ErrInvalidToken
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.getPrincipal(r)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, p)))
	}
}

// requireIngest admits only bridge principals.
func (s *Server) requireIngest(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r).CanIngest() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "bridge role required", r.URL.Path)
			return
		}
		next(w, r)
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return p
}
