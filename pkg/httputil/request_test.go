package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid object", `{"title":"a","n":3}`, false},
		{"malformed", `{not json`, true},
		{"empty body", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/x", bytes.NewReader([]byte(tt.body)))
			var dest map[string]interface{}
			err := ParseJSON(req, &dest)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "a", dest["title"])
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", bytes.NewReader([]byte(`{bad`)))
	w := httptest.NewRecorder()
	var dest map[string]interface{}
	ok := ParseJSONOrError(w, req, &dest)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestPathVars(t *testing.T) {
	router := mux.NewRouter()
	var collection, id string
	router.HandleFunc("/{collection}/{id}", func(w http.ResponseWriter, r *http.Request) {
		collection = PathVar(r, "collection")
		id = GetPathVars(r)["id"]
	})
	req := httptest.NewRequest("GET", "/todos/abc", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "todos", collection)
	assert.Equal(t, "abc", id)
}

func TestQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/x?name=v", nil)
	assert.Equal(t, "v", QueryString(req, "name", "d"))
	assert.Equal(t, "d", QueryString(req, "missing", "d"))
}
