// Package plugin implements the native flavor of the event host: handler
// source written in Go is compiled on first use (or on file change) into a
// position-independent shared object, loaded with the runtime plugin
// loader, and invoked through its exported Run symbol.
//
// Loaded objects cannot be unmapped; when a source file changes the host
// drops the superseded handler from its cache and the old object simply
// stays resident until process exit, which also keeps in-flight calls valid.
package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"sync"

	"relayd/pkg/events"
	"relayd/pkg/observability"
)

// RunFunc is the symbol signature a native handler must export:
//
//	func Run(ctx *events.Context) error
type RunFunc = func(*events.Context) error

// Engine compiles and loads native handler plugins.
type Engine struct {
	buildDir string
	log      *observability.Logger

	mu     sync.Mutex
	loaded map[string]*plugin.Plugin
}

// New creates the native engine, writing built objects under buildDir.
func New(buildDir string, log *observability.Logger) *Engine {
	return &Engine{
		buildDir: buildDir,
		log:      log,
		loaded:   make(map[string]*plugin.Plugin),
	}
}

// Name implements events.Engine.
func (e *Engine) Name() string { return "plugin" }

// Compile builds path into a shared object named by its source hash and
// loads the Run symbol. Rebuilds are skipped when the object for this exact
// source already exists on disk from a previous run.
func (e *Engine) Compile(path string, source []byte) (events.Handler, error) {
	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:8])
	soPath := filepath.Join(e.buildDir, filepath.Base(path)+"-"+hash+".so")

	if _, err := os.Stat(soPath); err != nil {
		if err := os.MkdirAll(e.buildDir, 0755); err != nil {
			return nil, fmt.Errorf("plugin: creating build dir: %w", err)
		}
		cmd := exec.Command("go", "build", "-buildmode=plugin", "-o", soPath, path)
		cmd.Env = os.Environ()
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("plugin: building %s: %w\n%s", path, err, out)
		}
		if e.log != nil {
			e.log.WithField("plugin", soPath).Debug("built native event handler")
		}
	}

	p, err := e.open(soPath)
	if err != nil {
		return nil, err
	}

	sym, err := p.Lookup("Run")
	if err != nil {
		return nil, events.ErrNoHandler
	}
	run, ok := sym.(RunFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s exports Run with wrong signature %T", path, sym)
	}
	return &handler{run: run}, nil
}

// open loads a shared object at most once per path; the plugin runtime
// rejects double-opens of the same object.
func (e *Engine) open(soPath string) (*plugin.Plugin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.loaded[soPath]; ok {
		return p, nil
	}
	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: loading %s: %w", soPath, err)
	}
	e.loaded[soPath] = p
	return p, nil
}

type handler struct {
	run RunFunc
}

// Run invokes the plugin symbol, racing it against the invocation context.
// A compiled call cannot be interrupted across the load boundary; on
// timeout the call is abandoned in its goroutine and the invocation
// reports the context error.
func (h *handler) Run(ctx context.Context, ec *events.Context) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin: panic in handler: %v", r)
			}
		}()
		done <- h.run(ec)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
