package httpapi

import (
	"net/http"
	"strconv"
)

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	server, err := s.mgr.Server()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(server))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(stats))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	server, err := s.mgr.Reset(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(server))
}

func (s *Server) handleRecompile(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Recompile(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(nil))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, OK([]struct{}{}))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, Err("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := s.audit.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OK(events))
}
