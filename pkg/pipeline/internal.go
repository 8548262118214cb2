package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"relayd/pkg/apperr"
	"relayd/pkg/auth"
	"relayd/pkg/document"
	"relayd/pkg/events"
	"relayd/pkg/query"
)

// internalClient is the in-process cross-collection client handed to event
// scripts as context.internal. Calls re-enter the pipeline in the same
// task with the caller's principal; no HTTP round-trip is involved.
type internalClient struct {
	pipeline  *Pipeline
	principal *auth.Principal
}

var _ events.Internal = (*internalClient)(nil)

func (c *internalClient) execute(ctx context.Context, req *Request) (*Response, error) {
	req.Principal = c.principal
	resp := c.pipeline.Execute(ctx, req)
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	if m, ok := resp.Body.(map[string]interface{}); ok {
		if msg, ok := m["error"].(string); ok {
			return nil, apperr.New(kindForStatus(resp.Status), msg)
		}
	}
	return nil, apperr.New(kindForStatus(resp.Status), fmt.Sprintf("internal call failed with status %d", resp.Status))
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apperr.BadRequest
	case http.StatusUnauthorized:
		return apperr.Unauthenticated
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusConflict:
		return apperr.Conflict
	case http.StatusUnprocessableEntity:
		return apperr.UnsupportedOperation
	case http.StatusGatewayTimeout:
		return apperr.ScriptTimeout
	case http.StatusServiceUnavailable:
		return apperr.StorageUnavailable
	default:
		return apperr.Internal
	}
}

func (c *internalClient) Get(ctx context.Context, collection, id string) (document.Doc, error) {
	resp, err := c.execute(ctx, &Request{
		Action:     ActionGet,
		Collection: collection,
		ID:         id,
		Query:      map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	doc, _ := resp.Body.(document.Doc)
	return doc, nil
}

func (c *internalClient) Find(ctx context.Context, collection string, rawQuery map[string]interface{}) ([]document.Doc, error) {
	if rawQuery == nil {
		rawQuery = map[string]interface{}{}
	}
	predicates, opts, err := query.Split(rawQuery)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, err.Error(), err)
	}
	resp, err := c.execute(ctx, &Request{
		Action:     ActionList,
		Collection: collection,
		Query:      predicates,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}
	docs, _ := resp.Body.([]document.Doc)
	return docs, nil
}

func (c *internalClient) Post(ctx context.Context, collection string, doc document.Doc) (document.Doc, error) {
	resp, err := c.execute(ctx, &Request{
		Action:     ActionCreate,
		Collection: collection,
		Body:       doc,
		Query:      map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	out, _ := resp.Body.(document.Doc)
	return out, nil
}

func (c *internalClient) Put(ctx context.Context, collection, id string, patch document.Doc) (document.Doc, error) {
	resp, err := c.execute(ctx, &Request{
		Action:     ActionUpdate,
		Collection: collection,
		ID:         id,
		Body:       patch,
		Query:      map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	out, _ := resp.Body.(document.Doc)
	return out, nil
}

func (c *internalClient) Delete(ctx context.Context, collection, id string) error {
	_, err := c.execute(ctx, &Request{
		Action:     ActionDelete,
		Collection: collection,
		ID:         id,
		Query:      map[string]interface{}{},
	})
	return err
}
