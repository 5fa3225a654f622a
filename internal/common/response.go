package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the payload of the {"error": ...} envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v as the JSON response body.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data writes v inside the {"data": ...} success envelope.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, map[string]any{"data": v})
}

// JSONError writes the {"error": {...}} envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{"error": ErrorBody{Code: code, Message: message, Details: details}})
}

// WriteError renders err. An *AppError anywhere in the chain supplies the
// code, message and status; anything else becomes fallbackStatus with a
// generic message so internal details do not leak.
func WriteError(w http.ResponseWriter, err error, fallbackStatus int, fallbackCode string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = fallbackStatus
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, fallbackStatus, fallbackCode, http.StatusText(fallbackStatus), nil)
}
