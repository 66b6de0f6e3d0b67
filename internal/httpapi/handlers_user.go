package httpapi

import (
	"net/http"
	"time"

	"vless-manager/internal/auth"
	"vless-manager/internal/manager"
)

type loginRequest struct {
	Password string `json:"password"`
}

type userAddRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	ExpiresAt    string `json:"expiresAt"`
	TrafficLimit int64  `json:"trafficLimit"`
}

type userEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Err("invalid request body"))
		return
	}
	if !s.passwordMatches(req.Password) {
		writeJSON(w, http.StatusUnauthorized, Err("invalid credentials"))
		return
	}

	token, err := auth.Sign(s.jwtSecret, "admin", s.tokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Err("sign token"))
		return
	}
	writeJSON(w, http.StatusOK, OK(map[string]string{"token": token}))
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.mgr.Users()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(users))
}

func (s *Server) handleUserAdd(w http.ResponseWriter, r *http.Request) {
	var req userAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Err("invalid request body"))
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, Err("name is required"))
		return
	}

	opts := manager.AddUserOptions{Email: req.Email, TrafficLimit: req.TrafficLimit}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Err("expiresAt must be RFC 3339"))
			return
		}
		opts.ExpiresAt = &t
	}

	user, configs, err := s.mgr.AddUser(r.Context(), req.Name, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(manager.ExportedConfig{User: *user, ClientConfigs: configs}))
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	user, err := s.mgr.User(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(user))
}

func (s *Server) handleUserRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.RemoveUser(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(nil))
}

func (s *Server) handleUserEnabled(w http.ResponseWriter, r *http.Request) {
	var req userEnabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Err("invalid request body"))
		return
	}
	user, err := s.mgr.SetUserEnabled(r.Context(), r.PathValue("id"), req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(user))
}

func (s *Server) handleUserConfig(w http.ResponseWriter, r *http.Request) {
	export, err := s.mgr.ExportUserConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(export))
}
