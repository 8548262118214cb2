// Package store defines the uniform document store abstraction,
// implemented by pkg/store/docstore (an embedded document database)
// and pkg/store/sqlstore (a hybrid column+JSON SQL schema). Callers above
// this package never see backend-specific shapes.
package store

import (
	"context"

	"relayd/pkg/document"
	"relayd/pkg/query"
	"relayd/pkg/schema"
)

// Store is the uniform interface every backend implements.
type Store interface {
	// EnsureCollection prepares backing storage for cfg (creates the bucket
	// and records the unique fields for the document store; creates/evolves
	// a table for the hybrid SQL store).
	EnsureCollection(ctx context.Context, cfg *schema.Config) error

	// DropCollection removes all storage for a collection, cascading its
	// documents.
	DropCollection(ctx context.Context, collection string) error

	Insert(ctx context.Context, collection string, doc document.Doc) (document.Doc, error)
	Find(ctx context.Context, collection string, q query.Node, opts query.Options) ([]document.Doc, error)
	FindOne(ctx context.Context, collection string, q query.Node) (document.Doc, bool, error)
	Update(ctx context.Context, collection string, q query.Node, patch document.Doc) (int, error)
	Remove(ctx context.Context, collection string, q query.Node) (int, error)
	Count(ctx context.Context, collection string, q query.Node) (int, error)

	// CreateUniqueIdentifier mints a fresh opaque document id.
	CreateUniqueIdentifier() string

	// Backend reports which backend this store is (BackendDocument or
	// BackendSQL); the pipeline uses it to resolve the $forceMongo flag.
	Backend() string

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// Backend names, as returned by Store.Backend and reported by the admin
// info endpoint.
const (
	BackendDocument = "document"
	BackendSQL      = "sql"
)
