package docstore

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

func TestStore_InsertAndFindOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))

	doc := document.Doc{"id": "1", "title": "buy milk"}
	inserted, err := s.Insert(ctx, "todos", doc)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", inserted.GetString("title"))

	node, _ := query.Parse(map[string]interface{}{"id": "1"})
	found, ok, err := s.FindOne(ctx, "todos", node)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "buy milk", found.GetString("title"))
}

func TestStore_InsertDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))

	doc := document.Doc{"id": "dup", "title": "a"}
	_, err := s.Insert(ctx, "todos", doc)
	require.NoError(t, err)

	_, err = s.Insert(ctx, "todos", document.Doc{"id": "dup", "title": "b"})
	require.Error(t, err)
}

func TestStore_FindWithQueryAndOptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))

	for i, title := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, "todos", document.Doc{"id": string(rune('1' + i)), "title": title, "done": i == 1})
		require.NoError(t, err)
	}

	node, _ := query.Parse(map[string]interface{}{"done": true})
	docs, err := s.Find(ctx, "todos", node, query.Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].GetString("title"))
}

func TestStore_UpdateMergesPatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))
	_, err := s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a", "done": false})
	require.NoError(t, err)

	node, _ := query.Parse(map[string]interface{}{"id": "1"})
	n, err := s.Update(ctx, "todos", node, document.Doc{"done": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found, _, err := s.FindOne(ctx, "todos", node)
	require.NoError(t, err)
	assert.Equal(t, true, found["done"])
	assert.Equal(t, "a", found.GetString("title"))
}

func TestStore_RemoveAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a"})
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "2", "title": "b"})

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
	require.NoError(t, s.EnsureCollection(ctx, &schema.Config{Name: "todos"}))
	_, _ = s.Insert(ctx, "todos", document.Doc{"id": "1", "title": "a"})

	require.NoError(t, s.DropCollection(ctx, "todos"))
	count, err := s.Count(ctx, "todos", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_CreateUniqueIdentifierIsUnique(t *testing.T) {
	s := newTestStore(t)
	a := s.CreateUniqueIdentifier()
	b := s.CreateUniqueIdentifier()
	assert.NotEqual(t, a, b)
}
