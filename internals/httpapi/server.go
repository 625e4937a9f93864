package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/session"
	"github.com/vibhavm/veilcall/internals/state"
)

// Server is the thin request adapter over the session manager. It carries
// no matching logic: decode, call, encode.
type Server struct {
	sessions *session.Manager
	logger   *zap.Logger
	mux      *http.ServeMux
}

func NewServer(sessions *session.Manager, logger *zap.Logger) *Server {
	s := &Server{sessions: sessions, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /enqueue", s.handleEnqueue)
	s.mux.HandleFunc("POST /skip", s.handleSkip)
	s.mux.HandleFunc("POST /end", s.handleEnd)
	s.mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /match", s.handleCheckMatch)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type userRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// respondError maps engine errors onto statuses. Transient contention is
// deliberately a 2xx "keep waiting" signal, never an end-user failure.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrInvalidTransition):
		http.Error(w, `{"error":"invalid state for this operation"}`, http.StatusConflict)
	case errors.Is(err, session.ErrNotInMatch):
		http.Error(w, `{"error":"not a member of this session"}`, http.StatusForbidden)
	case errors.Is(err, lock.ErrLockUnavailable):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		s.logger.Error("Request failed", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Enqueue(r.Context(), req.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "waiting"})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Skip(r.Context(), req.UserID, req.SessionID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "waiting"})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.sessions.End(r.Context(), req.UserID, req.SessionID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Heartbeat(r.Context(), req.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.sessions.CheckDisconnect(r.Context(), req.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (s *Server) handleCheckMatch(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id required"}`, http.StatusBadRequest)
		return
	}

	rec, err := s.sessions.CheckMatch(r.Context(), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if rec == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matched": true, "match": rec})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
