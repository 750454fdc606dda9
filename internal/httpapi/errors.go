package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"

	"runnerd/internal/apperr"
	"runnerd/pkg/types"
)

// statusFor maps machine-readable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case apperr.CodeInvalidArguments:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAlreadyLoading, apperr.CodeGenerationFailed, apperr.CodeDeleteFailed:
		return http.StatusConflict
	case apperr.CodeCreateFailed:
		return http.StatusUnprocessableEntity
	case apperr.CodeDownloadFailed:
		return http.StatusBadGateway
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes the consistent error payload for a coded error.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	writeError(w, statusFor(code), code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
