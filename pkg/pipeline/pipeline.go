// Package pipeline implements the collection request state machine: parse,
// authorize, before-request script, load, validate, phase script, store,
// aftercommit script, emit, respond. It also owns the bypass paths
// ($skipEvents, noStore) and the edge-case policies around id generation,
// hide/protect ordering, and post-commit event delivery.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"relayd/pkg/apperr"
	"relayd/pkg/auth"
	"relayd/pkg/document"
	"relayd/pkg/events"
	"relayd/pkg/observability"
	"relayd/pkg/query"
	"relayd/pkg/realtime"
	"relayd/pkg/schema"
	"relayd/pkg/store"
)

// Action identifies the operation a request maps to.
type Action string

const (
	ActionList   Action = "list"
	ActionGet    Action = "get"
	ActionCount  Action = "count"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Request is one parsed collection operation.
type Request struct {
	Action     Action
	Collection string
	ID         string

	// Body is the decoded JSON body for create/update.
	Body document.Doc

	// Query holds the field predicates (reserved $-options already split
	// off into Options).
	Query map[string]interface{}

	Options query.Options

	Principal *auth.Principal

	// URL and Parts describe the collection-relative path for scripts.
	URL   string
	Parts []string

	// Headers backs the scripts' getHeader.
	Headers map[string]string
}

// Response is the pipeline's outcome, ready for the router to serialize.
type Response struct {
	Status  int
	Body    interface{}
	Headers map[string]string
}

// Emitter receives committed mutations and script-scheduled events; the
// realtime hub implements it.
type Emitter interface {
	EmitCollectionChange(collection, action string, doc document.Doc)
	EmitCustom(event string, data interface{}, room string)
}

// Pipeline wires the schema manager, store, event host, and hub into the
// per-request state machine.
type Pipeline struct {
	store      store.Store
	schemas    *schema.Manager
	host       *events.Host
	emitter    Emitter
	log        *observability.Logger
	production bool
}

// New creates a Pipeline. emitter may be nil (no realtime delivery).
func New(s store.Store, schemas *schema.Manager, host *events.Host, emitter Emitter, log *observability.Logger, production bool) *Pipeline {
	return &Pipeline{
		store:      s,
		schemas:    schemas,
		host:       host,
		emitter:    emitter,
		log:        log,
		production: production,
	}
}

// Execute runs one request through the state machine. It never panics and
// always returns a well-formed Response; classified errors surface with
// their mapped status.
func (p *Pipeline) Execute(ctx context.Context, req *Request) *Response {
	cfg, err := p.schemas.Load(req.Collection)
	if err != nil {
		return errorResponse(apperr.New(apperr.NotFound, "collection not found"))
	}

	isRoot := req.Principal != nil && req.Principal.IsRoot

	// $skipEvents has effect iff the caller is root; for anyone else the
	// flag is stripped before anything downstream can observe it.
	skipEvents := req.Options.SkipEvents && isRoot
	if req.Body != nil {
		if v, ok := req.Body["$skipEvents"]; ok {
			delete(req.Body, "$skipEvents")
			if b, _ := v.(bool); b && isRoot {
				skipEvents = true
			}
		}
	}

	if req.Options.ForceMongo && p.store.Backend() == store.BackendSQL {
		return errorResponse(apperr.New(apperr.UnsupportedOperation, "$forceMongo is not supported on the SQL backend"))
	}

	st := &state{
		pipeline:   p,
		cfg:        cfg,
		req:        req,
		isRoot:     isRoot,
		skipEvents: skipEvents,
	}

	if cfg.NoStore {
		return st.runStoreless(ctx)
	}

	switch req.Action {
	case ActionCreate:
		return st.runCreate(ctx)
	case ActionUpdate:
		return st.runUpdate(ctx)
	case ActionDelete:
		return st.runDelete(ctx)
	case ActionGet:
		return st.runGet(ctx)
	case ActionCount:
		return st.runCount(ctx)
	default:
		return st.runList(ctx)
	}
}

// state carries one request's progress through the machine.
type state struct {
	pipeline   *Pipeline
	cfg        *schema.Config
	req        *Request
	isRoot     bool
	skipEvents bool
}

// newContext builds the script sandbox for this request with data as the
// working document. Script log lines carry the request id and collection
// so a request's pipeline and script output correlate.
func (s *state) newContext(ctx context.Context, data document.Doc) *events.Context {
	ec := &events.Context{
		Data:           data,
		Query:          s.req.Query,
		IsRoot:         s.isRoot,
		Method:         methodFor(s.req.Action),
		URL:            s.req.URL,
		Parts:          s.req.Parts,
		RequestHeaders: s.req.Headers,
		Internal:       &internalClient{pipeline: s.pipeline, principal: s.req.Principal},
	}
	if s.req.Principal != nil {
		ec.Me = s.req.Principal.User
	}
	if !s.pipeline.production && s.pipeline.log != nil {
		log := s.pipeline.log.
			WithCollection(s.req.Collection).
			WithRequestID(observability.RequestIDFrom(ctx))
		ec.Log = func(msg string, kv map[string]interface{}) {
			if kv != nil {
				log.WithFields(kv).Debug(msg)
			} else {
				log.Debug(msg)
			}
		}
	}
	return ec
}

func methodFor(a Action) string {
	switch a {
	case ActionCreate:
		return http.MethodPost
	case ActionUpdate:
		return http.MethodPut
	case ActionDelete:
		return http.MethodDelete
	default:
		return http.MethodGet
	}
}

// runPhase invokes one script phase unless the request bypasses events.
// The returned response, if non-nil, terminates the request (cancel or
// accumulated validation errors).
func (s *state) runPhase(ctx context.Context, phase events.Phase, ec *events.Context) *Response {
	if s.skipEvents || s.pipeline.host == nil {
		return nil
	}
	if err := s.pipeline.host.Run(ctx, s.req.Collection, phase, ec); err != nil {
		return errorResponse(err)
	}
	if errs := ec.Errors(); len(errs) > 0 {
		return &Response{Status: http.StatusBadRequest, Body: map[string]interface{}{"errors": errs}}
	}
	if c := ec.Cancelled(); c != nil {
		return &Response{Status: c.Status, Body: map[string]interface{}{"error": c.Message}}
	}
	return nil
}

// validate runs schema validation plus the validate script, or coercion
// only when events are bypassed.
func (s *state) validate(ctx context.Context, op schema.Op, ec *events.Context) *Response {
	if s.skipEvents {
		ec.Data = schema.Coerce(s.cfg, op, ec.Data, s.isRoot)
		return nil
	}

	normalized, errs := schema.Validate(s.cfg, op, ec.Data, s.isRoot)
	if len(errs) > 0 {
		return &Response{Status: http.StatusBadRequest, Body: map[string]interface{}{"errors": map[string]string(errs)}}
	}
	ec.Data = normalized

	return s.runPhase(ctx, events.PhaseValidate, ec)
}

func (s *state) runCreate(ctx context.Context) *Response {
	body := s.req.Body
	if body == nil {
		body = document.New()
	}

	// A client-supplied id is honored only for root; anyone else gets a
	// generated one.
	suppliedID := body.ID()
	if suppliedID != "" && !s.isRoot {
		body.Delete(document.FieldID)
		suppliedID = ""
	}
	body.Delete(document.FieldCreatedAt)
	body.Delete(document.FieldUpdatedAt)

	ec := s.newContext(ctx, body)
	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}
	if resp := s.validate(ctx, schema.OpInsert, ec); resp != nil {
		return resp
	}
	if resp := s.runPhase(ctx, events.PhasePost, ec); resp != nil {
		return resp
	}

	doc := ec.Data
	for _, field := range ec.Protected() {
		doc.Delete(field)
	}

	id := suppliedID
	if id == "" {
		id = s.pipeline.store.CreateUniqueIdentifier()
	}
	document.StampCreated(doc, id, time.Now())

	persisted, err := s.pipeline.store.Insert(ctx, s.req.Collection, doc)
	if err != nil {
		return errorResponse(err)
	}

	return s.commit(ctx, ec, persisted, realtime.EventCreated, http.StatusCreated)
}

func (s *state) runUpdate(ctx context.Context) *Response {
	existing, resp := s.load(ctx)
	if resp != nil {
		return resp
	}

	patch := s.req.Body
	if patch == nil {
		patch = document.New()
	}
	patch.Delete(document.FieldID)
	patch.Delete(document.FieldCreatedAt)
	patch.Delete(document.FieldUpdatedAt)

	merged := document.Merge(existing, patch)

	ec := s.newContext(ctx, merged)
	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}
	if resp := s.validate(ctx, schema.OpUpdate, ec); resp != nil {
		return resp
	}
	if resp := s.runPhase(ctx, events.PhasePut, ec); resp != nil {
		return resp
	}

	final := ec.Data
	for _, field := range ec.Protected() {
		if _, existed := existing.Get(field); existed {
			// protect() shields a stored field from this write; restore
			// the persisted value rather than dropping the column.
			final[field] = existing[field]
		} else {
			final.Delete(field)
		}
	}
	final[document.FieldID] = existing.ID()
	if v, ok := existing.Get(document.FieldCreatedAt); ok {
		final[document.FieldCreatedAt] = v
	}
	document.StampUpdated(final, time.Now())

	n, err := s.pipeline.store.Update(ctx, s.req.Collection, idQuery(existing.ID()), final)
	if err != nil {
		return errorResponse(err)
	}
	if n == 0 {
		return errorResponse(apperr.New(apperr.NotFound, "document not found"))
	}

	return s.commit(ctx, ec, final, realtime.EventUpdated, http.StatusOK)
}

func (s *state) runDelete(ctx context.Context) *Response {
	existing, resp := s.load(ctx)
	if resp != nil {
		return resp
	}

	ec := s.newContext(ctx, existing)
	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}
	if resp := s.runPhase(ctx, events.PhaseDelete, ec); resp != nil {
		return resp
	}

	if _, err := s.pipeline.store.Remove(ctx, s.req.Collection, idQuery(existing.ID())); err != nil {
		return errorResponse(err)
	}

	resp = s.commit(ctx, ec, existing, realtime.EventDeleted, http.StatusNoContent)
	resp.Body = nil
	return resp
}

func (s *state) runGet(ctx context.Context) *Response {
	doc, resp := s.load(ctx)
	if resp != nil {
		return resp
	}

	ec := s.newContext(ctx, doc)
	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}
	if resp := s.runPhase(ctx, events.PhaseGet, ec); resp != nil {
		return resp
	}

	out := query.Project(ec.Data, s.req.Options)
	for _, field := range ec.Hidden() {
		out.Delete(field)
	}
	return s.respond(ec, out, http.StatusOK)
}

func (s *state) runList(ctx context.Context) *Response {
	node, err := query.Parse(s.req.Query)
	if err != nil {
		return errorResponse(apperr.Wrap(apperr.BadRequest, err.Error(), err))
	}

	ec := s.newContext(ctx, document.New())
	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}

	docs, err := s.pipeline.store.Find(ctx, s.req.Collection, node, s.req.Options)
	if err != nil {
		return errorResponse(err)
	}

	out := make([]document.Doc, 0, len(docs))
	for _, doc := range docs {
		dec := s.newContext(ctx, doc)
		if resp := s.runPhase(ctx, events.PhaseGet, dec); resp != nil {
			return resp
		}
		projected := query.Project(dec.Data, s.req.Options)
		for _, field := range dec.Hidden() {
			projected.Delete(field)
		}
		out = append(out, projected)
	}
	return &Response{Status: http.StatusOK, Body: out}
}

func (s *state) runCount(ctx context.Context) *Response {
	node, err := query.Parse(s.req.Query)
	if err != nil {
		return errorResponse(apperr.Wrap(apperr.BadRequest, err.Error(), err))
	}
	n, err := s.pipeline.store.Count(ctx, s.req.Collection, node)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Status: http.StatusOK, Body: map[string]int{"count": n}}
}

// runStoreless handles noStore collections: scripts are the whole request.
func (s *state) runStoreless(ctx context.Context) *Response {
	body := s.req.Body
	if body == nil {
		body = document.New()
	}
	ec := s.newContext(ctx, body)

	if resp := s.runPhase(ctx, events.PhaseBeforeRequest, ec); resp != nil {
		return resp
	}
	phase := events.Phase(map[Action]events.Phase{
		ActionCreate: events.PhasePost,
		ActionUpdate: events.PhasePut,
		ActionDelete: events.PhaseDelete,
	}[s.req.Action])
	if phase == "" {
		phase = events.PhaseGet
	}
	if resp := s.runPhase(ctx, phase, ec); resp != nil {
		return resp
	}

	status := http.StatusOK
	if ec.StatusCode() != 0 {
		status = ec.StatusCode()
	}
	var result interface{}
	if v, ok := ec.Result(); ok {
		result = v
	}
	resp := &Response{Status: status, Body: result, Headers: ec.Headers()}
	s.dispatchCustomEmits(ec, resp.Status)
	return resp
}

// load fetches the document named by the request id.
func (s *state) load(ctx context.Context) (document.Doc, *Response) {
	doc, found, err := s.pipeline.store.FindOne(ctx, s.req.Collection, idQuery(s.req.ID))
	if err != nil {
		return nil, errorResponse(err)
	}
	if !found {
		return nil, errorResponse(apperr.New(apperr.NotFound, "document not found"))
	}
	return doc, nil
}

// commit runs the aftercommit phase and dispatches real-time events. The
// store write has already happened: an aftercommit failure is logged, the
// response still reflects the committed state, and no event is emitted.
func (s *state) commit(ctx context.Context, ec *events.Context, persisted document.Doc, event string, status int) *Response {
	// The event payload is always the persisted document, never an
	// aftercommit-modified response body, so on-wire realtime state
	// matches on-disk state.
	emitDoc := document.Clone(persisted)

	aftercommitFailed := false
	var after *events.Context
	if !s.skipEvents && s.pipeline.host != nil {
		after = s.newContext(ctx, document.Clone(persisted))
		if err := s.pipeline.host.Run(ctx, s.req.Collection, events.PhaseAfterCommit, after); err != nil {
			aftercommitFailed = true
			if s.pipeline.log != nil {
				s.pipeline.log.WithError(err).
					WithCollection(s.req.Collection).
					WithRequestID(observability.RequestIDFrom(ctx)).
					Error("aftercommit handler failed after store commit")
			}
		} else if c := after.Cancelled(); c != nil {
			// cancel() cannot reverse a commit; treat like a failure.
			aftercommitFailed = true
			if s.pipeline.log != nil {
				s.pipeline.log.WithCollection(s.req.Collection).
					WithRequestID(observability.RequestIDFrom(ctx)).
					WithField("reason", c.Message).
					Error("aftercommit handler cancelled after store commit")
			}
		}
	}

	var body interface{}
	out := query.Project(document.Clone(persisted), s.req.Options)
	for _, field := range ec.Hidden() {
		out.Delete(field)
	}
	if after != nil {
		for _, field := range after.Hidden() {
			out.Delete(field)
		}
	}
	body = out

	resp := &Response{Status: status, Body: body}
	if after != nil {
		if ec2Status := after.StatusCode(); ec2Status != 0 {
			resp.Status = ec2Status
		}
		if data, ok := after.ResponseData(); ok {
			resp.Body = data
		}
		resp.Headers = after.Headers()
	}

	if resp.Status >= 200 && resp.Status < 300 && !aftercommitFailed && s.pipeline.emitter != nil {
		s.pipeline.emitter.EmitCollectionChange(s.req.Collection, event, emitDoc)
		s.dispatchCustomEmits(ec, resp.Status)
		if after != nil {
			s.dispatchCustomEmits(after, resp.Status)
		}
	}

	return resp
}

// respond assembles a read-path response honoring script response helpers.
func (s *state) respond(ec *events.Context, body interface{}, status int) *Response {
	if ec.StatusCode() != 0 {
		status = ec.StatusCode()
	}
	if data, ok := ec.ResponseData(); ok {
		body = data
	}
	resp := &Response{Status: status, Body: body, Headers: ec.Headers()}
	s.dispatchCustomEmits(ec, resp.Status)
	return resp
}

// dispatchCustomEmits delivers script-scheduled emit() events, only for
// successful responses.
func (s *state) dispatchCustomEmits(ec *events.Context, status int) {
	if s.pipeline.emitter == nil || status < 200 || status >= 300 {
		return
	}
	for _, e := range ec.Emits() {
		s.pipeline.emitter.EmitCustom(e.Event, e.Data, e.Room)
	}
}

func idQuery(id string) query.Node {
	return query.Predicate{Field: document.FieldID, Op: query.OpEq, Value: id}
}

// errorResponse maps a classified (or unknown) error to its wire shape.
func errorResponse(err error) *Response {
	if appErr, ok := apperr.As(err); ok {
		body := map[string]interface{}{"error": appErr.Message}
		if appErr.Kind == apperr.ValidationFailed && len(appErr.Fields) > 0 {
			body = map[string]interface{}{"errors": appErr.Fields}
		}
		return &Response{Status: appErr.StatusCode(), Body: body}
	}
	return &Response{Status: http.StatusInternalServerError, Body: map[string]interface{}{"error": "internal error"}}
}
