package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"relayd/pkg/auth"
	"relayd/pkg/document"
	"relayd/pkg/httputil"
	"relayd/pkg/pipeline"
	"relayd/pkg/query"
)

var errUnknownUser = errors.New("router: unknown user")

func idPredicate(id string) query.Node {
	return query.Predicate{Field: document.FieldID, Op: query.OpEq, Value: id}
}

// parseURLQuery decodes list-endpoint URL parameters: field predicates with
// JSON-encoded values (falling back to plain strings), plus the reserved
// $-options.
func parseURLQuery(r *http.Request) (map[string]interface{}, query.Options, error) {
	raw := make(map[string]interface{})
	for key, vals := range r.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(vals[0]), &decoded); err != nil {
			decoded = vals[0]
		}
		raw[key] = decoded
	}
	return query.Split(raw)
}

// buildRequest assembles a pipeline request from HTTP parts. The
// $skipEvents flag survives only for root callers; for everyone else it is
// stripped here, before anything downstream can see it.
func (rt *Router) buildRequest(r *http.Request, action pipeline.Action, body document.Doc, predicates map[string]interface{}, opts query.Options) *pipeline.Request {
	vars := mux.Vars(r)
	p := auth.PrincipalFromContext(r.Context())

	if opts.SkipEvents && (p == nil || !p.IsRoot) {
		opts.SkipEvents = false
	}

	collection := vars["collection"]
	relative := strings.TrimPrefix(r.URL.Path, "/"+collection)
	parts := []string{collection}
	if id := vars["id"]; id != "" {
		parts = append(parts, id)
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	return &pipeline.Request{
		Action:     action,
		Collection: collection,
		ID:         vars["id"],
		Body:       body,
		Query:      predicates,
		Options:    opts,
		Principal:  p,
		URL:        relative,
		Parts:      parts,
		Headers:    headers,
	}
}

// respond serializes a pipeline response.
func respond(w http.ResponseWriter, resp *pipeline.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	httputil.WriteJSON(w, resp.Status, resp.Body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSON(w, status, map[string]string{"error": msg})
}

func (rt *Router) handleList(w http.ResponseWriter, r *http.Request) {
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionList, nil, predicates, opts)))
}

func (rt *Router) handleGetByID(w http.ResponseWriter, r *http.Request) {
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionGet, nil, predicates, opts)))
}

func (rt *Router) handleCount(w http.ResponseWriter, r *http.Request) {
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionCount, nil, predicates, opts)))
}

func (rt *Router) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionCreate, body, predicates, opts)))
}

func (rt *Router) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionUpdate, body, predicates, opts)))
}

func (rt *Router) handleDelete(w http.ResponseWriter, r *http.Request) {
	predicates, opts, err := parseURLQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionDelete, nil, predicates, opts)))
}

// handleQuery serves POST /{c}/query, whose body carries {query, options}
// for predicates too rich to URL-encode.
func (rt *Router) handleQuery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Query   map[string]interface{} `json:"query"`
		Options map[string]interface{} `json:"options"`
	}
	if err := httputil.ParseJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if payload.Query == nil {
		payload.Query = map[string]interface{}{}
	}
	predicates, opts, err := query.Split(payload.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Options != nil {
		extra, err := query.ParseOptions(payload.Options)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mergeOptions(&opts, extra)
	}
	respond(w, rt.pipeline.Execute(r.Context(), rt.buildRequest(r, pipeline.ActionList, nil, predicates, opts)))
}

// mergeOptions overlays the explicit options object over any $-options that
// rode along inside the query object.
func mergeOptions(base *query.Options, extra query.Options) {
	if len(extra.Sort) > 0 {
		base.Sort = extra.Sort
	}
	if extra.Limit != 0 {
		base.Limit = extra.Limit
	}
	if extra.Skip != 0 {
		base.Skip = extra.Skip
	}
	if extra.Fields != nil {
		base.Fields = extra.Fields
	}
	base.ForceMongo = base.ForceMongo || extra.ForceMongo
	base.SkipEvents = base.SkipEvents || extra.SkipEvents
}

func decodeBody(r *http.Request) (document.Doc, error) {
	var body document.Doc
	if err := httputil.ParseJSON(r, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = document.New()
	}
	return body, nil
}
