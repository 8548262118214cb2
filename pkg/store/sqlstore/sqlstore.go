// Package sqlstore implements the hybrid column+JSON SQL backend of
// on top of github.com/mattn/go-sqlite3: every collection is a
// table with an `id` primary key and a `data` JSON column holding the full
// document, plus one native column per field declared unique or indexed
// (schema.Config.IndexedFields). Schema evolution is additive only — new
// columns are appended, never renamed or dropped, matching the "existing
// documents are never rewritten when a schema gains a field."
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"relayd/pkg/apperr"
	"relayd/pkg/document"
	"relayd/pkg/query"
	"relayd/pkg/schema"
	"relayd/pkg/store"
)

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	// configs caches each collection's schema so query compilation can
	// resolve a field name to a promoted column or a json_extract expr.
	configs map[string]*schema.Config
}

// Open opens (creating if absent) the SQLite database file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "opening sql store", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers
	return &Store{db: db, configs: make(map[string]*schema.Config)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateUniqueIdentifier() string {
	return uuid.NewString()
}

func (s *Store) Backend() string { return store.BackendSQL }

func columnName(field string) string { return "f_" + field }

// EnsureCollection creates the collection's table if absent and promotes
// any newly-declared unique/index fields to native columns, additively.
func (s *Store) EnsureCollection(ctx context.Context, cfg *schema.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		quoteIdent(cfg.Name)))
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "creating collection table", err)
	}

	existing, err := s.existingColumns(ctx, cfg.Name)
	if err != nil {
		return err
	}

	for _, field := range cfg.IndexedFields() {
		col := columnName(field)
		if existing[col] {
			continue
		}
		spec := cfg.Properties[field]
		sqlType := sqlTypeFor(spec.Type)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN %s %s`, quoteIdent(cfg.Name), quoteIdent(col), sqlType)); err != nil {
			return apperr.Wrap(apperr.StorageUnavailable, "promoting column "+field, err)
		}
		indexKind := "INDEX"
		if spec.Unique {
			indexKind = "UNIQUE INDEX"
		}
		idxName := quoteIdent(fmt.Sprintf("idx_%s_%s", cfg.Name, field))
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE %s IF NOT EXISTS %s ON %s (%s)`, indexKind, idxName, quoteIdent(cfg.Name), quoteIdent(col))); err != nil {
			return apperr.Wrap(apperr.StorageUnavailable, "indexing column "+field, err)
		}
	}

	s.configs[cfg.Name] = cfg
	return nil
}

func (s *Store) existingColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "reading table schema", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "reading table schema", err)
		}
		cols[name] = true
	}
	return cols, nil
}

func sqlTypeFor(t schema.FieldType) string {
	switch t {
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (s *Store) DropCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(collection)))
	delete(s.configs, collection)
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "dropping collection", err)
	}
	return nil
}

func (s *Store) columnResolver(collection string) query.ColumnResolver {
	cfg := s.configs[collection]
	return func(field string) (string, bool) {
		if cfg != nil {
			if spec, ok := cfg.Properties[field]; ok && (spec.Unique || spec.Index) {
				return columnName(field), true
			}
		}
		return fmt.Sprintf("json_extract(data, '$.%s')", field), false
	}
}

// columnValues returns the promoted-column/value pairs to persist for doc,
// one pair per indexed field of the collection, in the order IndexedFields
// yields them (which is not fixed).
func (s *Store) columnValues(collection string, doc document.Doc) ([]string, []interface{}) {
	cfg := s.configs[collection]
	if cfg == nil {
		return nil, nil
	}
	var cols []string
	var vals []interface{}
	for _, field := range cfg.IndexedFields() {
		v, ok := doc.Get(field)
		if !ok {
			v = nil
		}
		cols = append(cols, columnName(field))
		vals = append(vals, v)
	}
	return cols, vals
}

func (s *Store) Insert(ctx context.Context, collection string, doc document.Doc) (document.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := doc.ID()
	if id == "" {
		return nil, apperr.New(apperr.Internal, "sqlstore: document must have an id before insert")
	}

	data, err := document.ToJSON(doc)
	if err != nil {
		return nil, err
	}

	cols, vals := s.columnValues(collection, doc)
	allCols := append([]string{"id", "data"}, cols...)
	allVals := append([]interface{}{id, string(data)}, vals...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allVals)), ", ")

	quoted := make([]string, len(allCols))
	for i, c := range allCols {
		quoted[i] = quoteIdent(c)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(collection), strings.Join(quoted, ", "), placeholders),
		allVals...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Conflict, fmt.Sprintf("document %q already exists", id))
		}
		return nil, apperr.Wrap(apperr.StorageUnavailable, "inserting document", err)
	}
	return doc, nil
}

func (s *Store) Find(ctx context.Context, collection string, q query.Node, opts query.Options) ([]document.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.scan(ctx, collection, q)
	if err != nil {
		return nil, err
	}

	query.Sort(docs, opts)
	docs = query.Paginate(docs, opts)

	if len(opts.Fields) > 0 {
		projected := make([]document.Doc, len(docs))
		for i, d := range docs {
			projected[i] = query.Project(d, opts)
		}
		docs = projected
	}
	return docs, nil
}

func (s *Store) scan(ctx context.Context, collection string, q query.Node) ([]document.Doc, error) {
	where := "1=1"
	var args []interface{}
	if q != nil {
		clause, a, err := query.CompileSQL(q, s.columnResolver(collection))
		if err != nil {
			return nil, apperr.Wrap(apperr.BadRequest, "compiling query", err)
		}
		where = clause
		args = a
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE %s`, quoteIdent(collection), where), args...)
	if err != nil {
		if isNoSuchTable(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.StorageUnavailable, "querying collection", err)
	}
	defer rows.Close()

	var docs []document.Doc
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "reading row", err)
		}
		doc, err := document.FromJSON([]byte(data))
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decoding stored document", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
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

func (s *Store) Update(ctx context.Context, collection string, q query.Node, patch document.Doc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.scan(ctx, collection, q)
	if err != nil {
		return 0, err
	}

	for _, d := range docs {
		merged := document.Merge(d, patch)
		data, err := document.ToJSON(merged)
		if err != nil {
			return 0, err
		}
		cols, vals := s.columnValues(collection, merged)
		setParts := []string{quoteIdent("data") + " = ?"}
		args := []interface{}{string(data)}
		for i, c := range cols {
			setParts = append(setParts, quoteIdent(c)+" = ?")
			args = append(args, vals[i])
		}
		args = append(args, merged.ID())
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s WHERE id = ?`, quoteIdent(collection), strings.Join(setParts, ", ")), args...)
		if err != nil {
			return 0, apperr.Wrap(apperr.StorageUnavailable, "updating document", err)
		}
	}
	return len(docs), nil
}

func (s *Store) Remove(ctx context.Context, collection string, q query.Node) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.scan(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	for _, d := range docs {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(collection)), d.ID())
		if err != nil {
			return 0, apperr.Wrap(apperr.StorageUnavailable, "removing document", err)
		}
	}
	return len(docs), nil
}

func (s *Store) Count(ctx context.Context, collection string, q query.Node) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, err := s.scan(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoSuchTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

var _ store.Store = (*Store)(nil)
