package router

import (
	"net/http"

	"relayd/pkg/auth"
	"relayd/pkg/document"
	"relayd/pkg/httputil"
	"relayd/pkg/pipeline"
	"relayd/pkg/query"
)

type loginRequest struct {
	MasterKey string `json:"masterKey,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	IsRoot    bool   `json:"isRoot"`
}

// handleLogin mints a session token from either the master key or a
// username/password pair against the users collection.
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	var p *auth.Principal
	switch {
	case req.MasterKey != "":
		if !auth.VerifyMasterKey(rt.cfg.Security.MasterKey, req.MasterKey) {
			rt.audit.RecordRequest(r, "login", nil, false, "invalid master key")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		p = auth.Root()
	case req.Username != "":
		user, found, err := rt.store.FindOne(r.Context(), "users",
			query.Predicate{Field: "username", Op: query.OpEq, Value: req.Username})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		if !found || !auth.CheckPassword(user.GetString("password"), req.Password) {
			rt.audit.RecordRequest(r, "login", nil, false, "bad username or password")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		p = auth.FromUser(user)
	default:
		writeError(w, http.StatusBadRequest, "masterKey or username/password required")
		return
	}

	token, expiresAt, err := rt.tokens.Mint(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	rt.audit.RecordRequest(r, "login", p, true, "")
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: document.FormatTime(expiresAt),
		IsRoot:    p.IsRoot,
	})
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleSignup registers a user when allowRegistration permits, then mints
// a session token. The create runs through the pipeline with root
// privileges so the system password field is writable, but the id stays
// server-generated.
func (rt *Router) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !rt.cfg.Security.AllowRegistration {
		writeError(w, http.StatusForbidden, "registration is disabled")
		return
	}

	var req signupRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Password == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": map[string]string{"password": "required"},
		})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	resp := rt.pipeline.Execute(r.Context(), &pipeline.Request{
		Action:     pipeline.ActionCreate,
		Collection: "users",
		Body: document.Doc{
			"username": req.Username,
			"email":    req.Email,
			"password": hash,
		},
		Query:     map[string]interface{}{},
		Principal: auth.Root(),
	})
	if resp.Status != http.StatusCreated {
		respond(w, resp)
		return
	}

	user, _ := resp.Body.(document.Doc)
	p := auth.FromUser(user)
	token, expiresAt, err := rt.tokens.Mint(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	rt.audit.RecordRequest(r, "signup", p, true, "")

	public := document.Clone(user)
	public.Delete("password")
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     token,
		"expiresAt": document.FormatTime(expiresAt),
		"isRoot":    false,
		"user":      public,
	})
}

// handleMe returns the current principal.
func (rt *Router) handleMe(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if p.IsRoot {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"isRoot":   true,
			"username": p.Username,
		})
		return
	}
	public := document.Clone(p.User)
	public.Delete("password")
	httputil.WriteJSON(w, http.StatusOK, public)
}

// handleValidate answers 200 iff the request carries a valid credential.
func (rt *Router) handleValidate(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"isRoot": p.IsRoot,
	})
}
