package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	cfg := todosConfig()
	require.NoError(t, m.Create(cfg))

	loaded, err := m.Load("todos")
	require.NoError(t, err)
	assert.Equal(t, "todos", loaded.Name)
	assert.True(t, loaded.Properties["title"].Required)
}

func TestManager_Bootstrap_CreatesUsersCollection(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	require.NoError(t, m.Bootstrap())

	cfg, err := m.Load("users")
	require.NoError(t, err)
	assert.True(t, cfg.Properties["username"].Unique)
	assert.True(t, cfg.Properties["password"].System)
}

func TestManager_UpdateIsAdditive(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Create(todosConfig()))

	updated, err := m.Update("todos", map[string]FieldSpec{"priority": {Type: TypeNumber}})
	require.NoError(t, err)

	assert.True(t, updated.Properties["title"].Required)
	assert.Equal(t, TypeNumber, updated.Properties["priority"].Type)
}

func TestManager_DeleteRemovesCollection(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Create(todosConfig()))
	require.NoError(t, m.Delete("todos"))

	_, err := m.Load("todos")
	assert.Error(t, err)
}

func TestManager_List(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Create(todosConfig()))
	require.NoError(t, m.Bootstrap())

	names, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"todos", "users"}, names)
}
