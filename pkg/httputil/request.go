package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// ParseJSON decodes the request body into dest.
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes the body, writing a 400 on failure.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// PathVar returns one mux path variable.
func PathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// GetPathVars returns all path variables from the request.
func GetPathVars(r *http.Request) map[string]string {
	return mux.Vars(r)
}

// QueryString returns a query parameter, or defaultVal when absent.
func QueryString(r *http.Request, key, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}
