// Package handler implements the three HTTP surfaces: the public LNURL
// endpoints and the discovery and offer admin APIs.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/cors"

	"github.com/switchgear-ln/switchgear/internal/store"
)

// adminCORS permits browser-based admin tooling to call the APIs with a
// bearer token.
func adminCORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"ETag", "Location", "X-Request-Id"},
	})
}

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// storeError maps store sentinels onto admin response codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		Error(w, http.StatusConflict, "already exists")
	case errors.Is(err, store.ErrReferentialIntegrity):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// pagination reads ?page=N&page_size=M, clamping the page size to the
// configured maximum. Absent page size means one full maximum-sized page.
func pagination(r *http.Request, maxPageSize int) (page, pageSize int) {
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	pageSize = maxPageSize
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < maxPageSize {
			pageSize = n
		}
	}
	return page, pageSize
}

// Health responds 200 unconditionally.
func Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
