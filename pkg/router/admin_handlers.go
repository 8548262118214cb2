package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"relayd/pkg/auth"
	"relayd/pkg/config"
	"relayd/pkg/httputil"
	"relayd/pkg/observability"
	"relayd/pkg/schema"
)

// handleInfo reports server version, uptime, and backend status.
func (rt *Router) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	backendStatus := "up"
	if err := rt.store.Ping(ctx); err != nil {
		backendStatus = "down"
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version": observability.Version,
		"uptime":  time.Since(rt.started).String(),
		"backend": map[string]interface{}{
			"type":   rt.store.Backend(),
			"status": backendStatus,
		},
	})
}

func (rt *Router) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := rt.schemas.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*schema.Config, 0, len(names))
	for _, name := range names {
		cfg, err := rt.schemas.Load(name)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type collectionBody struct {
	Properties map[string]schema.FieldSpec `json:"properties"`
	UseColumns bool                        `json:"useColumns,omitempty"`
	NoStore    bool                        `json:"noStore,omitempty"`
}

func (rt *Router) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := rt.schemas.Load(name); err == nil {
		writeError(w, http.StatusConflict, "collection already exists")
		return
	}

	var body collectionBody
	if err := httputil.ParseJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.Properties == nil {
		body.Properties = make(map[string]schema.FieldSpec)
	}

	cfg := &schema.Config{
		Name:       name,
		Properties: body.Properties,
		UseColumns: body.UseColumns,
		NoStore:    body.NoStore,
	}
	if err := rt.schemas.Create(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cfg.NoStore {
		if err := rt.store.EnsureCollection(r.Context(), cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusCreated, cfg)
}

func (rt *Router) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	cfg, err := rt.schemas.Load(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

// handleUpdateCollection extends a live collection's schema additively.
func (rt *Router) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body collectionBody
	if err := httputil.ParseJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	cfg, err := rt.schemas.Update(name, body.Properties)
	if err != nil {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	if !cfg.NoStore {
		if err := rt.store.EnsureCollection(r.Context(), cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

// handleDeleteCollection drops a collection: its documents cascade, then
// its config and scripts go.
func (rt *Router) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := rt.schemas.Load(name); err != nil {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}

	if err := rt.store.DropCollection(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := rt.schemas.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rt.audit.RecordRequest(r, "delete-collection "+name, auth.PrincipalFromContext(r.Context()), true, "")
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	settings, err := config.ReadSecurity(rt.cfg.Server.StateDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}

func (rt *Router) handlePutSecurity(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := httputil.ParseJSON(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	settings, err := config.WriteSecurity(rt.cfg.Server.StateDir, updates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}
