// Package httpapi exposes the manager over an authenticated JSON API.
// Every endpoint except login requires a bearer token; mutations are
// attributed to the token's actor in the audit trail.
package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"vless-manager/internal/hub"
	"vless-manager/internal/manager"
	"vless-manager/internal/store"
)

type Server struct {
	mgr           *manager.Manager
	audit         *store.Store // may be nil
	hub           *hub.Hub     // may be nil
	adminPassword string
	jwtSecret     []byte
	tokenTTL      time.Duration
}

func NewServer(mgr *manager.Manager, audit *store.Store, eventHub *hub.Hub, adminPassword string, jwtSecret []byte, tokenTTL time.Duration) *Server {
	return &Server{
		mgr:           mgr,
		audit:         audit,
		hub:           eventHub,
		adminPassword: adminPassword,
		jwtSecret:     jwtSecret,
		tokenTTL:      tokenTTL,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", s.handleLogin)

	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, withAuth(s.jwtSecret, withTimeout(h, 30*time.Second)))
	}

	protected("GET /api/users", s.handleUserList)
	protected("POST /api/users", s.handleUserAdd)
	protected("GET /api/users/{id}", s.handleUserGet)
	protected("DELETE /api/users/{id}", s.handleUserRemove)
	protected("POST /api/users/{id}/enabled", s.handleUserEnabled)
	protected("GET /api/users/{id}/config", s.handleUserConfig)

	protected("GET /api/server", s.handleServerGet)
	protected("GET /api/stats", s.handleStats)
	protected("POST /api/reset", s.handleReset)
	protected("POST /api/recompile", s.handleRecompile)
	protected("GET /api/events", s.handleEvents)

	if s.hub != nil {
		mux.HandleFunc("GET /api/ws", s.hub.ServeWS)
	}
}

func (s *Server) passwordMatches(password string) bool {
	if s.adminPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) == 1
}
