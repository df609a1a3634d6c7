package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/auth"
	"github.com/rennteam/pitwall/internal/store"
	"github.com/rennteam/pitwall/internal/telemetry"
)

// Sensor field limits, matching what the dashboard UI enforces.
const (
	maxSensorIDLength    = 50
	maxSensorNameLength  = 100
	maxSensorUnitLength  = 20
	maxSensorGroupLength = 50
	maxWatchPathLength   = 1024
)

// systemDirPrefixes are never accepted as a watch directory.
var systemDirPrefixes = []string{
	"/etc", "/var/log", "/usr", "/bin", "/sbin", "/root", "/proc", "/sys", "/dev",
}

// --- Users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		IsAdmin  bool     `json:"is_admin"`
		Roles    []string `json:"roles"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	payload.Username = strings.TrimSpace(payload.Username)
	if err := auth.ValidateUsername(payload.Username); err != nil {
		s.respondError(w, err)
		return
	}
	if err := auth.ValidatePassword(payload.Password); err != nil {
		s.respondError(w, err)
		return
	}
	if err := auth.ValidateRoles(payload.Roles); err != nil {
		s.respondError(w, err)
		return
	}

	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	user, err := s.db.CreateUser(r.Context(), payload.Username, hash, payload.IsAdmin, payload.Roles)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Infow("user created", "username", user.Username, "admin", user.IsAdmin)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}
	admin := currentUser(r)
	if id == admin.ID {
		writeDetail(w, http.StatusBadRequest, "you cannot delete your own account")
		return
	}
	if err := s.db.DeleteUser(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Infow("user deleted", "id", id, "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if err := auth.ValidatePassword(payload.Password); err != nil {
		s.respondError(w, err)
		return
	}
	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.db.UpdatePassword(r.Context(), id, hash); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleUpdateRoles(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var payload struct {
		Roles []string `json:"roles"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if err := auth.ValidateRoles(payload.Roles); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.db.UpdateRoles(r.Context(), id, payload.Roles); err != nil {
		s.respondError(w, err)
		return
	}
	user, err := s.db.GetUserByID(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Audit ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 20, 100)
	if err != nil {
		s.respondError(w, err)
		return
	}
	items, total, err := s.db.ListAudit(r.Context(), offset, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if items == nil {
		items = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// --- Watch directory ---

func (s *Server) handleGetWatchDir(w http.ResponseWriter, r *http.Request) {
	dir, err := s.db.GetSetting(r.Context(), store.SettingWatchDir)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var path *string
	if dir != "" {
		path = &dir
	}
	writeJSON(w, http.StatusOK, map[string]*string{"path": path})
}

func (s *Server) handleSetWatchDir(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	path := strings.TrimSpace(payload.Path)
	if path == "" {
		writeDetail(w, http.StatusBadRequest, "path is required")
		return
	}
	if len(path) > maxWatchPathLength {
		writeDetail(w, http.StatusBadRequest, "path is too long")
		return
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid path format")
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		writeDetail(w, http.StatusBadRequest, "directory does not exist: "+resolved)
		return
	}
	for _, prefix := range systemDirPrefixes {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(os.PathSeparator)) {
			writeDetail(w, http.StatusBadRequest, "access to system directory '"+prefix+"' is not allowed")
			return
		}
	}
	if _, err := os.ReadDir(resolved); err != nil {
		writeDetail(w, http.StatusBadRequest, "permission denied reading directory: "+resolved)
		return
	}
	if err := s.db.SetSetting(r.Context(), store.SettingWatchDir, resolved); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Infow("watch directory updated", "path", resolved)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "path": resolved})
}

// --- LDX ---

func (s *Server) handleListLdxFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.db.ListLdxFiles(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if files == nil {
		files = []store.LdxFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleLdxInjections(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		writeDetail(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if !strings.HasSuffix(strings.ToLower(name), ".ldx") {
		writeDetail(w, http.StatusBadRequest, "file must be an .ldx file")
		return
	}
	rows, err := s.db.ListInjections(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if rows == nil {
		rows = []store.InjectionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLdxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.LdxStats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if stats == nil {
		stats = []store.LdxFileStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Maintenance ---

func (s *Server) handleExportDB(w http.ResponseWriter, r *http.Request) {
	dir, err := s.db.GetSetting(r.Context(), store.SettingWatchDir)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if dir == "" {
		writeDetail(w, http.StatusBadRequest, "watch directory not configured")
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeDetail(w, http.StatusBadRequest, "watch directory does not exist")
		return
	}
	filename := "export_" + time.Now().UTC().Format("2006-01-02_150405") + ".db"
	if err := s.db.ExportSnapshot(r.Context(), filepath.Join(dir, filename)); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Infow("database exported", "file", filename, "by", currentUser(r).Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "exported", "filename": filename})
}

func (s *Server) handleClearData(w http.ResponseWriter, r *http.Request) {
	if err := s.db.ClearRuntimeData(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Infow("runtime data cleared", "by", currentUser(r).Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- Sensors ---

func validateSensor(sensor *store.Sensor) error {
	sensor.SensorID = strings.TrimSpace(sensor.SensorID)
	sensor.Name = strings.TrimSpace(sensor.Name)
	sensor.Unit = strings.TrimSpace(sensor.Unit)
	sensor.Group = strings.TrimSpace(sensor.Group)

	if sensor.SensorID == "" {
		return apperr.New(apperr.Validation, "sensor id is required")
	}
	if len(sensor.SensorID) > maxSensorIDLength {
		return apperr.Newf(apperr.Validation, "sensor id must be at most %d characters", maxSensorIDLength)
	}
	for _, c := range sensor.SensorID {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return apperr.New(apperr.Validation, "sensor id may only contain letters, numbers, and underscores")
		}
	}
	if sensor.Name == "" {
		return apperr.New(apperr.Validation, "name is required")
	}
	if len(sensor.Name) > maxSensorNameLength {
		return apperr.Newf(apperr.Validation, "name must be at most %d characters", maxSensorNameLength)
	}
	if sensor.Unit == "" {
		return apperr.New(apperr.Validation, "unit is required")
	}
	if len(sensor.Unit) > maxSensorUnitLength {
		return apperr.Newf(apperr.Validation, "unit must be at most %d characters", maxSensorUnitLength)
	}
	if len(sensor.Group) > maxSensorGroupLength {
		return apperr.Newf(apperr.Validation, "group must be at most %d characters", maxSensorGroupLength)
	}
	if sensor.Group == "" {
		sensor.Group = "Other"
	}
	if sensor.MaxValue <= sensor.MinValue {
		return apperr.New(apperr.Validation, "max value must be greater than min value")
	}
	if sensor.SortOrder < -1000 || sensor.SortOrder > 10000 {
		return apperr.New(apperr.Validation, "sort order must be between -1000 and 10000")
	}
	return nil
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.db.ListSensors(r.Context(), false)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (s *Server) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	var sensor store.Sensor
	if err := decodeJSON(r, &sensor); err != nil {
		s.respondError(w, err)
		return
	}
	if err := validateSensor(&sensor); err != nil {
		s.respondError(w, err)
		return
	}
	created, err := s.db.CreateSensor(r.Context(), &sensor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdateSensor(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	existing, err := s.db.GetSensor(r.Context(), sensorID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	// Partial update: absent fields keep their stored value.
	var payload struct {
		Name      *string  `json:"name"`
		Unit      *string  `json:"unit"`
		MinValue  *float64 `json:"min_value"`
		MaxValue  *float64 `json:"max_value"`
		Group     *string  `json:"group"`
		SortOrder *int     `json:"sort_order"`
		Enabled   *bool    `json:"enabled"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if payload.Name != nil {
		existing.Name = *payload.Name
	}
	if payload.Unit != nil {
		existing.Unit = *payload.Unit
	}
	if payload.MinValue != nil {
		existing.MinValue = *payload.MinValue
	}
	if payload.MaxValue != nil {
		existing.MaxValue = *payload.MaxValue
	}
	if payload.Group != nil {
		existing.Group = *payload.Group
	}
	if payload.SortOrder != nil {
		existing.SortOrder = *payload.SortOrder
	}
	if payload.Enabled != nil {
		existing.Enabled = *payload.Enabled
	}
	if err := validateSensor(existing); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.db.UpdateSensor(r.Context(), existing); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteSensor(r.Context(), r.PathValue("id")); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Serial ---

func (s *Server) handleGetSerialConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.SerialConfig())
}

func (s *Server) handleSetSerialConfig(w http.ResponseWriter, r *http.Request) {
	cfg := telemetry.DefaultSerialConfig()
	if err := decodeJSON(r, &cfg); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.source.UpdateSerialConfig(r.Context(), cfg); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Source string `json:"source"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.source.SetPreference(r.Context(), payload.Source); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSerialRestart(w http.ResponseWriter, r *http.Request) {
	s.source.RestartSerial()
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}
