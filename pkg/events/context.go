// Package events implements the polyglot event host: it
// resolves, compiles, caches, and invokes per-collection lifecycle scripts
// with identical semantics across the embedded scripting engine and the
// hot-loaded native plugin engine.
package events

import (
	"context"
	"fmt"

	"relayd/pkg/document"
)

// Phase is one of the seven lifecycle phases a collection may handle.
type Phase string

const (
	PhaseValidate      Phase = "validate"
	PhaseBeforeRequest Phase = "beforerequest"
	PhaseGet           Phase = "get"
	PhasePost          Phase = "post"
	PhasePut           Phase = "put"
	PhaseDelete        Phase = "delete"
	PhaseAfterCommit   Phase = "aftercommit"
)

// Phases lists every lifecycle phase in invocation order.
var Phases = []Phase{
	PhaseValidate, PhaseBeforeRequest, PhaseGet, PhasePost,
	PhasePut, PhaseDelete, PhaseAfterCommit,
}

// Emit is a real-time event a script scheduled via emit(); delivered only
// if the commit succeeds and the HTTP status is 2xx.
type Emit struct {
	Event string
	Data  interface{}
	Room  string
}

// Internal is the in-process cross-collection client exposed to scripts as
// context.internal. Calls re-enter the collection pipeline in the same
// task, bypassing HTTP.
type Internal interface {
	Get(ctx context.Context, collection, id string) (document.Doc, error)
	Find(ctx context.Context, collection string, rawQuery map[string]interface{}) ([]document.Doc, error)
	Post(ctx context.Context, collection string, doc document.Doc) (document.Doc, error)
	Put(ctx context.Context, collection, id string, patch document.Doc) (document.Doc, error)
	Delete(ctx context.Context, collection, id string) error
}

// CancelError is the explicit abort a script raises with cancel(msg, status).
type CancelError struct {
	Message string
	Status  int
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancelled: %s (status %d)", e.Message, e.Status)
}

// Context is the sandbox API handed to every handler invocation, identical
// in shape across both engines. A Context is used by exactly one invocation
// at a time; it is not safe for concurrent use.
type Context struct {
	// Data is the document being operated on. Mutations propagate back to
	// the pipeline; this is the sole way scripts change what is stored.
	Data document.Doc

	// Query carries the request's query parameters, read-only by contract.
	Query map[string]interface{}

	// Me is the authenticated user document, nil for root or anonymous.
	Me document.Doc

	IsRoot bool

	Method string
	URL    string
	Parts  []string

	// Internal is the in-process client for cross-collection calls.
	Internal Internal

	// Log receives structured log calls from the script; nil suppresses
	// them (production).
	Log func(msg string, kv map[string]interface{})

	// RequestHeaders backs getHeader(k).
	RequestHeaders map[string]string

	errors    map[string]string
	hidden    []string
	protected []string
	cancelled *CancelError
	emits     []Emit

	result    interface{}
	hasResult bool

	responseData    interface{}
	hasResponseData bool

	statusCode int
	headers    map[string]string
}

// Error accumulates a validation error for field.
func (c *Context) Error(field, msg string) {
	if c.errors == nil {
		c.errors = make(map[string]string)
	}
	c.errors[field] = msg
}

// Errors returns the accumulated field errors, nil if none.
func (c *Context) Errors() map[string]string { return c.errors }

// Hide strips field from the response; applied after projection.
func (c *Context) Hide(field string) { c.hidden = append(c.hidden, field) }

// Hidden returns fields scheduled for response stripping.
func (c *Context) Hidden() []string { return c.hidden }

// Protect strips field from data before persistence.
func (c *Context) Protect(field string) { c.protected = append(c.protected, field) }

// Protected returns fields scheduled for pre-storage stripping.
func (c *Context) Protected() []string { return c.protected }

// Cancel aborts the pipeline with the given HTTP status. The first cancel
// wins; later calls are ignored.
func (c *Context) Cancel(msg string, status int) {
	if c.cancelled != nil {
		return
	}
	if status == 0 {
		status = 400
	}
	c.cancelled = &CancelError{Message: msg, Status: status}
}

// Cancelled returns the pending cancel, or nil.
func (c *Context) Cancelled() *CancelError { return c.cancelled }

// EmitEvent schedules a real-time event for delivery after commit.
func (c *Context) EmitEvent(event string, data interface{}, room string) {
	c.emits = append(c.emits, Emit{Event: event, Data: data, Room: room})
}

// Emits returns the scheduled real-time events.
func (c *Context) Emits() []Emit { return c.emits }

// SetResult sets the whole response for store-less collections.
func (c *Context) SetResult(v interface{}) {
	c.result = v
	c.hasResult = true
}

// Result returns the value set by SetResult and whether one was set.
func (c *Context) Result() (interface{}, bool) { return c.result, c.hasResult }

// SetResponseData replaces the response body (aftercommit only).
func (c *Context) SetResponseData(v interface{}) {
	c.responseData = v
	c.hasResponseData = true
}

// ResponseData returns the value set by SetResponseData and whether one was
// set.
func (c *Context) ResponseData() (interface{}, bool) { return c.responseData, c.hasResponseData }

// SetStatusCode overrides the response status.
func (c *Context) SetStatusCode(n int) { c.statusCode = n }

// StatusCode returns the override, 0 if unset.
func (c *Context) StatusCode() int { return c.statusCode }

// SetHeader sets a response header.
func (c *Context) SetHeader(k, v string) {
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.headers[k] = v
}

// Headers returns response headers set by the script.
func (c *Context) Headers() map[string]string { return c.headers }

// GetHeader reads a request header.
func (c *Context) GetHeader(k string) string {
	if c.RequestHeaders == nil {
		return ""
	}
	return c.RequestHeaders[k]
}
