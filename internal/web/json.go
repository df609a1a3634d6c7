package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rennteam/pitwall/internal/apperr"
)

// --- JSON Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the error envelope used across the API.
func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Unprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError translates an application error into the HTTP response. The
// message never leaks internals: unkinded errors render as a generic 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(apperr.KindOf(err))
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "error", err)
	}
	writeDetail(w, status, apperr.Message(err))
}

// decodeJSON reads a JSON request body into v, rejecting unknown garbage
// with a 400-shaped error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid JSON body")
	}
	return nil
}

// parseLimitOffset extracts pagination query params with defaults and caps.
func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, apperr.New(apperr.Validation, "limit must be a positive integer")
		}
	}
	if limit > maxLimit {
		return 0, 0, apperr.New(apperr.Validation, fmt.Sprintf("limit must be at most %d", maxLimit))
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, apperr.New(apperr.Validation, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
