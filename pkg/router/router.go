// Package router implements HTTP dispatch for the REST surface (component
// F): per-collection CRUD routes, the auth and admin endpoints, the
// WebSocket upgrade, principal resolution, and CORS.
package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"relayd/pkg/auth"
	"relayd/pkg/config"
	"relayd/pkg/observability"
	"relayd/pkg/pipeline"
	"relayd/pkg/realtime"
	"relayd/pkg/schema"
	"relayd/pkg/store"
)

// Options wires the router's collaborators.
type Options struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Schemas  *schema.Manager
	Store    store.Store
	Tokens   *auth.TokenIssuer
	Hub      *realtime.Hub
	Audit    *auth.AuditLogger
	Log      *observability.Logger
	Metrics  *observability.Metrics
}

// Router dispatches the REST surface.
type Router struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	schemas  *schema.Manager
	store    store.Store
	tokens   *auth.TokenIssuer
	hub      *realtime.Hub
	audit    *auth.AuditLogger
	log      *observability.Logger
	metrics  *observability.Metrics
	started  time.Time

	mux *mux.Router
}

// New builds the route table.
func New(opts Options) *Router {
	rt := &Router{
		cfg:      opts.Config,
		pipeline: opts.Pipeline,
		schemas:  opts.Schemas,
		store:    opts.Store,
		tokens:   opts.Tokens,
		hub:      opts.Hub,
		audit:    opts.Audit,
		log:      opts.Log,
		metrics:  opts.Metrics,
		started:  time.Now(),
		mux:      mux.NewRouter(),
	}

	r := rt.mux

	r.HandleFunc("/auth/login", rt.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/signup", rt.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", rt.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/auth/validate", rt.handleValidate).Methods(http.MethodGet)

	r.HandleFunc("/_admin/info", rt.requireRoot(rt.handleInfo)).Methods(http.MethodGet)
	r.HandleFunc("/_admin/collections", rt.requireRoot(rt.handleListCollections)).Methods(http.MethodGet)
	r.HandleFunc("/_admin/collections/{name}", rt.requireRoot(rt.handleCreateCollection)).Methods(http.MethodPost)
	r.HandleFunc("/_admin/collections/{name}", rt.requireRoot(rt.handleGetCollection)).Methods(http.MethodGet)
	r.HandleFunc("/_admin/collections/{name}", rt.requireRoot(rt.handleUpdateCollection)).Methods(http.MethodPut)
	r.HandleFunc("/_admin/collections/{name}", rt.requireRoot(rt.handleDeleteCollection)).Methods(http.MethodDelete)
	r.HandleFunc("/_admin/settings/security", rt.requireRoot(rt.handleGetSecurity)).Methods(http.MethodGet)
	r.HandleFunc("/_admin/settings/security", rt.requireRoot(rt.handlePutSecurity)).Methods(http.MethodPut)

	if rt.hub != nil {
		r.HandleFunc("/ws", rt.hub.ServeWS)
	}

	r.HandleFunc("/{collection}/count", rt.handleCount).Methods(http.MethodGet)
	r.HandleFunc("/{collection}/query", rt.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/{collection}/{id}", rt.handleGetByID).Methods(http.MethodGet)
	r.HandleFunc("/{collection}/{id}", rt.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/{collection}/{id}", rt.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/{collection}", rt.handleList).Methods(http.MethodGet)
	r.HandleFunc("/{collection}", rt.handleCreate).Methods(http.MethodPost)

	return rt
}

// Handler returns the fully wrapped HTTP handler: CORS, metrics, request
// id, principal resolution, then dispatch.
func (rt *Router) Handler() http.Handler {
	var h http.Handler = rt.mux
	h = rt.resolvePrincipal(h)
	h = requestID(h)
	if rt.metrics != nil {
		h = observability.HTTPMetricsMiddleware(rt.metrics, collectionLabel)(h)
	}
	h = cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Master-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	})(h)
	return h
}

// collectionLabel keeps metric cardinality bounded: the label is the first
// path segment, so /todos/abc123 and /todos/def456 share one series and the
// reserved auth/_admin/ws prefixes label as themselves.
func collectionLabel(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	first, _, _ := strings.Cut(path, "/")
	return first
}

// requestID tags every request with an id, echoed in the X-Request-Id
// response header and carried on the context so the pipeline's and the
// scripts' log lines share it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.ContextWithRequestID(r.Context(), id)))
	})
}

// resolvePrincipal authenticates in priority order: bearer token, then
// master key header, then anonymous. An invalid credential fails the
// request rather than downgrading to anonymous.
func (rt *Router) resolvePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			claims, err := rt.tokens.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			p, err := rt.principalFromClaims(r, claims)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		if key := r.Header.Get("X-Master-Key"); key != "" {
			if !auth.VerifyMasterKey(rt.cfg.Security.MasterKey, key) {
				if rt.audit != nil {
					rt.audit.RecordRequest(r, "master-key", nil, false, "invalid master key")
				}
				writeError(w, http.StatusUnauthorized, "invalid master key")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Root())))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rt *Router) principalFromClaims(r *http.Request, claims *auth.Claims) (*auth.Principal, error) {
	if claims.IsRoot {
		return auth.Root(), nil
	}
	doc, found, err := rt.store.FindOne(r.Context(), "users", idPredicate(claims.UserID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errUnknownUser
	}
	return auth.FromUser(doc), nil
}

// requireRoot gates admin handlers.
func (rt *Router) requireRoot(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFromContext(r.Context())
		if p == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !p.IsRoot {
			writeError(w, http.StatusForbidden, "root access required")
			return
		}
		next(w, r)
	}
}
