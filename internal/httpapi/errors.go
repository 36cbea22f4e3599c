package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps a service error onto the wire: faults carry their kind and
// details, anything else is an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	var f *faults.Fault
	if errors.As(err, &f) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.StatusCode())
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{
			Error:   f.Error(),
			Kind:    string(f.Kind),
			Code:    f.StatusCode(),
			Details: f.Details,
		})
		return
	}
	var he HTTPError
	if errors.As(err, &he) {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
