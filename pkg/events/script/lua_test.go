package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/document"
	"relayd/pkg/events"
)

func compile(t *testing.T, source string) events.Handler {
	t.Helper()
	h, err := New().Compile("test.lua", []byte(source))
	require.NoError(t, err)
	return h
}

func TestRunMutatesData(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.data.title = string.upper(ctx.data.title)
  ctx.data.extra = 42
end
`)
	ec := &events.Context{Data: document.Doc{"title": "hello"}}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, "HELLO", ec.Data["title"])
	assert.Equal(t, float64(42), ec.Data["extra"])
}

func TestRunAccumulatesErrors(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  if string.len(ctx.data.title) < 3 then
    ctx.error("title", "too short")
  end
end
`)
	ec := &events.Context{Data: document.Doc{"title": "ab"}}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, map[string]string{"title": "too short"}, ec.Errors())
}

func TestRunCancelUnwinds(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.cancel("not allowed", 403)
  ctx.data.never = true
end
`)
	ec := &events.Context{Data: document.New()}
	err := h.Run(context.Background(), ec)
	require.Error(t, err)
	require.NotNil(t, ec.Cancelled())
	assert.Equal(t, "not allowed", ec.Cancelled().Message)
	assert.Equal(t, 403, ec.Cancelled().Status)
	assert.NotContains(t, ec.Data, "never")
}

func TestRunSeesPrincipalAndRequest(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.data.who = ctx.me.username
  ctx.data.root = ctx.isRoot
  ctx.data.verb = ctx.method
  ctx.data.first = ctx.parts[1]
end
`)
	ec := &events.Context{
		Data:   document.New(),
		Me:     document.Doc{"username": "alice"},
		Method: "POST",
		Parts:  []string{"todos"},
	}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, "alice", ec.Data["who"])
	assert.Equal(t, false, ec.Data["root"])
	assert.Equal(t, "POST", ec.Data["verb"])
	assert.Equal(t, "todos", ec.Data["first"])
}

func TestRunHideProtectEmit(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.hide("secret")
  ctx.protect("internalOnly")
  ctx.emit("custom", {n = 1}, "room-a")
end
`)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, []string{"secret"}, ec.Hidden())
	assert.Equal(t, []string{"internalOnly"}, ec.Protected())
	require.Len(t, ec.Emits(), 1)
	assert.Equal(t, "custom", ec.Emits()[0].Event)
	assert.Equal(t, "room-a", ec.Emits()[0].Room)
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, ec.Emits()[0].Data)
}

func TestRunResultHelpers(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.setResult({ok = true})
  ctx.setStatusCode(202)
  ctx.setHeader("X-Custom", "yes")
end
`)
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), ec))
	result, ok := ec.Result()
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"ok": true}, result)
	assert.Equal(t, 202, ec.StatusCode())
	assert.Equal(t, "yes", ec.Headers()["X-Custom"])
}

func TestNoRunFunction(t *testing.T) {
	h := compile(t, `-- scaffold only, nothing defined`)
	err := h.Run(context.Background(), &events.Context{Data: document.New()})
	assert.ErrorIs(t, err, events.ErrNoHandler)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  while true do end
end
`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.Run(ctx, &events.Context{Data: document.New()})
	assert.Error(t, err)
}

func TestValueRoundTrip(t *testing.T) {
	h := compile(t, `
function Run(ctx)
  ctx.data.copy = ctx.data.nested
end
`)
	ec := &events.Context{Data: document.Doc{
		"nested": map[string]interface{}{
			"list":  []interface{}{float64(1), "two", true},
			"inner": map[string]interface{}{"k": "v"},
		},
	}}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, ec.Data["nested"], ec.Data["copy"])
}
