package events_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/document"
	"relayd/pkg/events"
	"relayd/pkg/events/script"
)

func writeScript(t *testing.T, root, collection, phase, source string) string {
	t.Helper()
	dir := filepath.Join(root, "resources", collection)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, phase+".lua")
	require.NoError(t, os.WriteFile(path, []byte(source), 0644))
	return path
}

func newHost(root string) *events.Host {
	h := events.NewHost(root, 2*time.Second, nil, nil)
	h.Register(".lua", script.New())
	return h
}

func TestHostRunsHandler(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "post", `
function Run(ctx)
  ctx.data.stamped = true
end
`)
	h := newHost(root)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	assert.Equal(t, true, ec.Data["stamped"])
}

func TestHostSkipsMissingHandler(t *testing.T) {
	h := newHost(t.TempDir())
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	assert.Nil(t, ec.Cancelled())
}

func TestHostSkipsScaffold(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "validate", "-- validate handler. Define Run(ctx) to enable.\n")
	h := newHost(root)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhaseValidate, ec))
	assert.Nil(t, ec.Cancelled())
	assert.Empty(t, ec.Errors())
}

func TestHostRecompilesOnChange(t *testing.T) {
	root := t.TempDir()
	path := writeScript(t, root, "todos", "post", `
function Run(ctx) ctx.data.v = 1 end
`)
	h := newHost(root)

	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	assert.Equal(t, float64(1), ec.Data["v"])

	require.NoError(t, os.WriteFile(path, []byte(`
function Run(ctx) ctx.data.v = 2 end
`), 0644))
	// Ensure a distinct mtime even on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	ec = &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	assert.Equal(t, float64(2), ec.Data["v"])
}

func TestHostInvalidate(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "post", `
function Run(ctx) ctx.data.v = 1 end
`)
	h := newHost(root)
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, &events.Context{Data: document.New()}))

	h.Invalidate("todos")

	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	assert.Equal(t, float64(1), ec.Data["v"])
}

// countingEngine wraps an engine and counts Compile calls, for the
// at-most-once-compilation property.
type countingEngine struct {
	events.Engine
	compiles int64
}

func (c *countingEngine) Compile(path string, source []byte) (events.Handler, error) {
	atomic.AddInt64(&c.compiles, 1)
	return c.Engine.Compile(path, source)
}

func TestHostCompilesAtMostOnceUnderConcurrency(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "post", `
function Run(ctx) ctx.data.v = 1 end
`)
	counting := &countingEngine{Engine: script.New()}
	h := events.NewHost(root, 2*time.Second, nil, nil)
	h.Register(".lua", counting)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec := &events.Context{Data: document.New()}
			assert.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&counting.compiles))
}

func TestHostFoldsScriptFailureIntoCancel(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "post", `
function Run(ctx)
  error("boom")
end
`)
	h := newHost(root)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhasePost, ec))
	require.NotNil(t, ec.Cancelled())
	assert.Equal(t, 500, ec.Cancelled().Status)
}

func TestHostErrorsWinOverFailure(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "todos", "validate", `
function Run(ctx)
  ctx.error("title", "required")
  error("boom")
end
`)
	h := newHost(root)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), "todos", events.PhaseValidate, ec))
	assert.Nil(t, ec.Cancelled())
	assert.Equal(t, map[string]string{"title": "required"}, ec.Errors())
}
