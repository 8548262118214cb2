package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/document"
	"relayd/pkg/events"
)

func TestHandlerRunPropagatesResult(t *testing.T) {
	h := &handler{run: func(ec *events.Context) error {
		ec.Data["touched"] = true
		return nil
	}}
	ec := &events.Context{Data: document.New()}
	require.NoError(t, h.Run(context.Background(), ec))
	assert.Equal(t, true, ec.Data["touched"])
}

func TestHandlerRunPropagatesError(t *testing.T) {
	want := errors.New("handler failed")
	h := &handler{run: func(*events.Context) error { return want }}
	err := h.Run(context.Background(), &events.Context{Data: document.New()})
	assert.ErrorIs(t, err, want)
}

func TestHandlerRunRecoversPanic(t *testing.T) {
	h := &handler{run: func(*events.Context) error { panic("boom") }}
	err := h.Run(context.Background(), &events.Context{Data: document.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestHandlerRunAbandonedOnTimeout(t *testing.T) {
	release := make(chan struct{})
	h := &handler{run: func(*events.Context) error {
		<-release
		return nil
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Run(ctx, &events.Context{Data: document.New()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestEngineName(t *testing.T) {
	assert.Equal(t, "plugin", New(t.TempDir(), nil).Name())
}
