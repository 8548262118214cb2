// Package httputil provides HTTP handler utilities for consistent JSON
// encoding/decoding and error responses in the shapes the REST surface
// commits to: {"error": message} and {"errors": {field: message}}.
package httputil

import (
	"encoding/json"
	"net/http"

	"relayd/pkg/apperr"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes {"error": message} with the given status.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteValidationErrors writes the 400 {"errors": {field: message}} shape.
func WriteValidationErrors(w http.ResponseWriter, fields map[string]string) {
	WriteJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": fields})
}

// WriteAppError maps a classified error to its wire form; unclassified
// errors surface as 500 without leaking their message.
func WriteAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	if appErr.Kind == apperr.ValidationFailed && len(appErr.Fields) > 0 {
		WriteValidationErrors(w, appErr.Fields)
		return
	}
	WriteErrorMessage(w, appErr.StatusCode(), appErr.Error())
}

// WriteNoContent writes a 204 with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
