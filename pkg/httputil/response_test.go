package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/apperr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusOK, map[string]string{"k": "v"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "v", body["k"])
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusNotFound, "resource not found")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "resource not found", body["error"])
}

func TestWriteValidationErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationErrors(w, map[string]string{"title": "required"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "required", body["errors"]["title"])
}

func TestWriteAppError(t *testing.T) {
	t.Run("classified error uses its status", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteAppError(w, apperr.New(apperr.Conflict, "duplicate id"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "duplicate id")
	})

	t.Run("validation error uses the errors shape", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteAppError(w, apperr.Validation(map[string]string{"title": "required"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var body map[string]map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "required", body["errors"]["title"])
	})

	t.Run("unclassified error does not leak", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteAppError(w, errors.New("secret detail"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "secret detail")
	})
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
