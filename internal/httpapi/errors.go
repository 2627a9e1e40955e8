package httpapi

import (
	"encoding/json"
	"net/http"

	"applabd/internal/workload"
	"applabd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps the domain error kinds onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case workload.IsConfiguration(err):
		return http.StatusBadRequest
	case workload.IsStateConflict(err):
		return http.StatusConflict
	case workload.IsNotFound(err):
		return http.StatusNotFound
	case workload.IsStartupTimeout(err):
		return http.StatusGatewayTimeout
	case workload.IsEngine(err):
		return http.StatusBadGateway
	case workload.IsNoGPU(err):
		return http.StatusUnprocessableEntity
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError maps a domain error to its status and writes the JSON payload.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
