package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/document"
	"relayd/pkg/query"
	"relayd/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func todosConfig() *schema.Config {
	return &schema.Config{
		Name: "todos",
		Properties: map[string]schema.FieldSpec{
			"title": {Type: schema.TypeString, Required: true},
			"done":  {Type: schema.TypeBoolean, Default: false, Index: true},
			"owner": {Type: schema.TypeString, Unique: true},
		},
	}
}

func TestStore_EnsureCollectionPromotesIndexedColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))

	cols, err := s.existingColumns(ctx, "todos")
	require.NoError(t, err)
	assert.True(t, cols["id"])
	assert.True(t, cols["data"])
	assert.True(t, cols[columnName("done")])
	assert.True(t, cols[columnName("owner")])
}

func TestStore_InsertAndFindOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))

	_, err := s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "buy milk", "owner": "a"})
	require.NoError(t, err)

	node, _ := query.Parse(map[string]interface{}{"id": "1"})
	found, ok, err := s.FindOne(ctx, "todos", node)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "buy milk", found.GetString("title"))
}

func TestStore_InsertDuplicateUniqueColumnConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))

	_, err := s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "owner": "same"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "todos", document.Doc{"id": "2", "title": "b", "owner": "same"})
	require.Error(t, err)
}

func TestStore_FindUsesPromotedColumnInWhereClause(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "done": false, "owner": "x"})
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "2", "title": "b", "done": true, "owner": "y"})

	node, _ := query.Parse(map[string]interface{}{"done": true})
	docs, err := s.Find(ctx, "todos", node, query.Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].GetString("title"))
}

func TestStore_UpdateMergesPatchAndRefreshesColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))
	_, err := s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "done": false, "owner": "x"})
	require.NoError(t, err)

	node, _ := query.Parse(map[string]interface{}{"id": "1"})
	n, err := s.Update(ctx, "todos", node, document.Doc{"done": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doneQuery, _ := query.Parse(map[string]interface{}{"done": true})
	docs, err := s.Find(ctx, "todos", doneQuery, query.Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].GetString("title"))
}

func TestStore_RemoveAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "owner": "x"})
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "2", "title": "b", "owner": "y"})

	count, err := s.Count(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	node, _ := query.Parse(map[string]interface{}{"id": "1"})
	removed, err := s.Remove(ctx, "todos", node)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err = s.Count(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_DropCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, todosConfig()))
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "owner": "x"})

	require.NoError(t, s.DropCollection(ctx, "todos"))
	count, err := s.Count(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
