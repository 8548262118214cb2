// Package docstore implements the document-store backend
// on top of go.etcd.io/bbolt: one bucket per collection, documents
// JSON-encoded and keyed by id. Queries are evaluated in-process by
// pkg/query's Go-native evaluator since bbolt has no query language of its
// own — exactly the "pass the query through unchanged to the backing
// document database" contract, where here relayd itself is that database.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"relayd/pkg/apperr"
	"relayd/pkg/document"
	"relayd/pkg/query"
	"relayd/pkg/schema"
	"relayd/pkg/store"
)

// Store is a bbolt-backed implementation of store.Store.
type Store struct {
	db *bolt.DB
	mu sync.RWMutex

	// uniques records, per collection seen by EnsureCollection, the fields
	// declared unique; Insert enforces them by scan.
	uniques map[string][]string
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "opening document store", err)
	}
	return &Store{db: db, uniques: make(map[string][]string)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *Store) CreateUniqueIdentifier() string {
	return uuid.NewString()
}

func (s *Store) Backend() string { return store.BackendDocument }

// EnsureCollection creates the bucket backing cfg.Name if absent. Unique
// constraints and indexing live only in the hybrid SQL backend; bbolt's
// single bucket-per-collection layout has no secondary indexes, so
// uniqueness is enforced by a linear scan on insert (acceptable for the
// embedded single-instance deployment this backend targets).
func (s *Store) EnsureCollection(ctx context.Context, cfg *schema.Config) error {
	var unique []string
	for name, spec := range cfg.Properties {
		if spec.Unique {
			unique = append(unique, name)
		}
	}
	s.mu.Lock()
	s.uniques[cfg.Name] = unique
	s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cfg.Name))
		return err
	})
}

// checkUnique scans the bucket for another document carrying the same
// value in any unique field.
func checkUnique(b *bolt.Bucket, fields []string, doc document.Doc) error {
	if len(fields) == 0 {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		if string(k) == doc.ID() {
			return nil
		}
		other, err := document.FromJSON(v)
		if err != nil {
			return err
		}
		for _, field := range fields {
			val, ok := doc.Get(field)
			if !ok {
				continue
			}
			if otherVal, ok := other.Get(field); ok && otherVal == val {
				return apperr.New(apperr.Conflict, fmt.Sprintf("duplicate value for unique field %q", field))
			}
		}
		return nil
	})
}

func (s *Store) DropCollection(ctx context.Context, collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(collection))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) Insert(ctx context.Context, collection string, doc document.Doc) (document.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := doc.ID()
	if id == "" {
		return nil, apperr.New(apperr.Internal, "docstore: document must have an id before insert")
	}

	var out document.Doc
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			var err error
			b, err = tx.CreateBucket([]byte(collection))
			if err != nil {
				return err
			}
		}
		if b.Get([]byte(id)) != nil {
			return apperr.New(apperr.Conflict, fmt.Sprintf("document %q already exists", id))
		}
		if err := checkUnique(b, s.uniques[collection], doc); err != nil {
			return err
		}
		data, err := document.ToJSON(doc)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, q query.Node) (document.Doc, bool, error) {
	docs, err := s.Find(ctx, collection, q, query.Options{Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

func (s *Store) Find(ctx context.Context, collection string, q query.Node, opts query.Options) ([]document.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []document.Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			doc, err := document.FromJSON(v)
			if err != nil {
				return err
			}
			if q == nil || query.Matches(q, doc) {
				matches = append(matches, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}

	query.Sort(matches, opts)
	matches = query.Paginate(matches, opts)

	if len(opts.Fields) > 0 {
		projected := make([]document.Doc, len(matches))
		for i, d := range matches {
			projected[i] = query.Project(d, opts)
		}
		matches = projected
	}
	return matches, nil
}

func (s *Store) Update(ctx context.Context, collection string, q query.Node, patch document.Doc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		type kv struct {
			key []byte
			doc document.Doc
		}
		var toUpdate []kv
		if err := b.ForEach(func(k, v []byte) error {
			doc, err := document.FromJSON(v)
			if err != nil {
				return err
			}
			if q == nil || query.Matches(q, doc) {
				toUpdate = append(toUpdate, kv{key: append([]byte(nil), k...), doc: doc})
			}
			return nil
		}); err != nil {
			return err
		}
		for _, item := range toUpdate {
			merged := document.Merge(item.doc, patch)
			data, err := document.ToJSON(merged)
			if err != nil {
				return err
			}
			if err := b.Put(item.key, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *Store) Remove(ctx context.Context, collection string, q query.Node) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			doc, err := document.FromJSON(v)
			if err != nil {
				return err
			}
			if q == nil || query.Matches(q, doc) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *Store) Count(ctx context.Context, collection string, q query.Node) (int, error) {
	docs, err := s.Find(ctx, collection, q, query.Options{})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func classify(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.StorageUnavailable, "document store operation failed", err)
}

var _ store.Store = (*Store)(nil)
