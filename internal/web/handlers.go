package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/auth"
	"github.com/rennteam/pitwall/internal/config"
	"github.com/rennteam/pitwall/internal/forms"
)

// maxDashboardConfigLength caps the per-user dashboard layout blob.
const maxDashboardConfigLength = 100_000

const dashboardConfigKey = "dashboard_config"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": config.Version})
}

// handleLogin exchanges form credentials for a bearer token. Unknown account
// and wrong password are reported distinctly; the pit crew asked for that
// over the usual uniform message.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	if username == "" {
		writeDetail(w, http.StatusBadRequest, "username is required")
		return
	}
	if password == "" {
		writeDetail(w, http.StatusBadRequest, "password is required")
		return
	}
	if err := auth.ValidateUsername(username); err != nil {
		s.respondError(w, err)
		return
	}

	user, err := s.db.GetUserByName(r.Context(), username)
	if apperr.Is(err, apperr.NotFound) {
		writeDetail(w, http.StatusUnauthorized, "account not found")
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	hash, err := s.db.GetPasswordHash(r.Context(), username)
	if err != nil || !auth.VerifyPassword(hash, password) {
		writeDetail(w, http.StatusUnauthorized, "incorrect password")
		return
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.Roles)
}

// --- Forms ---

func (s *Server) handleListForms(w http.ResponseWriter, r *http.Request) {
	schemas := s.registry.ListForUser(currentUser(r))
	if schemas == nil {
		schemas = []*forms.Schema{}
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	if !auth.CanAccessForm(currentUser(r), role) {
		writeDetail(w, http.StatusForbidden, "access denied for this form")
		return
	}
	schema := s.registry.Get(role)
	if schema == nil {
		writeDetail(w, http.StatusNotFound, "form not found")
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleFormValues(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	if !auth.CanAccessForm(currentUser(r), role) {
		writeDetail(w, http.StatusForbidden, "access denied for this form")
		return
	}
	prefill, err := s.values.GetPrefill(r.Context(), role)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefill)
}

func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	user := currentUser(r)
	if !auth.CanAccessForm(user, role) {
		writeDetail(w, http.StatusForbidden, "access denied for this form")
		return
	}
	var payload struct {
		Values map[string]*string `json:"values"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	saved, err := s.values.Submit(r.Context(), role, user, payload.Values)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "saved": saved})
}

// --- Telemetry ---

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.db.ListSensors(r.Context(), true)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.db.GetUserPref(r.Context(), currentUser(r).ID, dashboardConfigKey)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"config": cfg})
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Config string `json:"config"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if strings.TrimSpace(payload.Config) == "" {
		writeDetail(w, http.StatusBadRequest, "config is required")
		return
	}
	if len(payload.Config) > maxDashboardConfigLength {
		writeDetail(w, http.StatusBadRequest, "config exceeds maximum size of 100KB")
		return
	}
	if !json.Valid([]byte(payload.Config)) {
		writeDetail(w, http.StatusBadRequest, "config must be valid JSON")
		return
	}
	if err := s.db.SetUserPref(r.Context(), currentUser(r).ID, dashboardConfigKey, payload.Config); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
