package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agenthall/agenthall/internal/runner"
	"github.com/agenthall/agenthall/pkg/types"
)

// startSessionRequest is the body of POST /session.
type startSessionRequest struct {
	Title          string               `json:"title"`
	Prompt         string               `json:"prompt"`
	Cwd            string               `json:"cwd,omitempty"`
	AllowedTools   string               `json:"allowedTools,omitempty"`
	ProviderID     string               `json:"providerID,omitempty"`
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	session, err := s.runner.StartSession(runner.StartParams{
		Title:          req.Title,
		Prompt:         req.Prompt,
		Cwd:            req.Cwd,
		AllowedTools:   req.AllowedTools,
		ProviderID:     req.ProviderID,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runner.ListSessions()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) recentCwds(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	cwds, err := s.runner.RecentCwds(limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if cwds == nil {
		cwds = []string{}
	}
	writeJSON(w, http.StatusOK, cwds)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.runner.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.runner.SessionHistory(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// continueSessionRequest is the body of POST /session/{id}/message.
type continueSessionRequest struct {
	Prompt     string `json:"prompt"`
	ProviderID string `json:"providerID,omitempty"`
}

func (s *Server) continueSession(w http.ResponseWriter, r *http.Request) {
	var req continueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}
	if err := s.runner.ContinueSession(chi.URLParam(r, "id"), req.Prompt, req.ProviderID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.runner.StopSession(chi.URLParam(r, "id"))
	writeSuccess(w)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var result types.PermissionResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if result.Behavior != types.BehaviorAllow && result.Behavior != types.BehaviorDeny {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}
	s.runner.RespondPermission(chi.URLParam(r, "id"), chi.URLParam(r, "requestID"), result)
	writeSuccess(w)
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.runner.ListProviders()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if providers == nil {
		providers = []types.SafeProvider{}
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) getProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := s.runner.GetProvider(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

func (s *Server) saveProvider(w http.ResponseWriter, r *http.Request) {
	var payload types.ProviderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	saved, err := s.runner.SaveProvider(payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.DeleteProvider(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}
