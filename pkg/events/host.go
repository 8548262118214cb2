package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relayd/pkg/apperr"
	"relayd/pkg/observability"
)

// ErrNoHandler is returned by engines when a source file defines no Run
// entry point (e.g. a scaffolded, fully commented file). The host treats it
// as "this phase has no handler".
var ErrNoHandler = errors.New("events: no Run handler defined")

// Handler is a compiled, invocable artifact for one (collection, phase).
type Handler interface {
	Run(ctx context.Context, ec *Context) error
}

// Engine compiles handler source of one flavor into an invocable artifact.
type Engine interface {
	// Name labels the engine in logs and metrics.
	Name() string
	// Compile turns the source file at path into a Handler. Compile is
	// called at most once per (source-hash, phase); the host dedups
	// concurrent first uses.
	Compile(path string, source []byte) (Handler, error)
}

type binding struct {
	ext    string
	engine Engine
}

type cacheEntry struct {
	handler Handler
	engine  string
	path    string
	hash    string
	mtime   time.Time
	none    bool
}

// Host owns the compilation cache and dispatches handler invocations. The
// cache maps (collection, phase) to a compiled artifact and is invalidated
// when the underlying file's mtime changes or when the schema manager's
// watcher reports a change under the collection directory.
type Host struct {
	dir     string
	timeout time.Duration
	log     *observability.Logger
	metrics *observability.Metrics

	engines []binding

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	sf    singleflight.Group
}

// NewHost creates a Host resolving sources under root/resources. timeout
// bounds each invocation's wall clock.
func NewHost(root string, timeout time.Duration, log *observability.Logger, metrics *observability.Metrics) *Host {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Host{
		dir:     filepath.Join(root, "resources"),
		timeout: timeout,
		log:     log,
		metrics: metrics,
		cache:   make(map[string]*cacheEntry),
	}
}

// Register binds an engine to a source file extension (".lua", ".go").
// Registration order is resolution priority when a collection carries more
// than one source flavor for the same phase.
func (h *Host) Register(ext string, engine Engine) {
	h.engines = append(h.engines, binding{ext: ext, engine: engine})
}

// Invalidate drops every cached compilation for collection; wired to the
// schema manager's filesystem watcher.
func (h *Host) Invalidate(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, phase := range Phases {
		delete(h.cache, cacheKey(collection, phase))
	}
}

func cacheKey(collection string, phase Phase) string {
	return collection + "/" + string(phase)
}

// Run invokes the handler for (collection, phase) with ec, compiling it
// first if needed. Returns nil when the collection defines no handler for
// the phase. A handler error is folded into ec per the determinism
// contract: accumulated error() wins over cancel(), any other failure
// becomes cancel(message, 500); timeouts surface as ScriptTimeout.
func (h *Host) Run(ctx context.Context, collection string, phase Phase, ec *Context) error {
	entry, err := h.resolve(collection, phase)
	if err != nil {
		return err
	}
	if entry == nil || entry.none {
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	runErr := entry.handler.Run(ctx, ec)

	if h.metrics != nil {
		h.metrics.ScriptInvocationDuration.WithLabelValues(collection, string(phase), entry.engine).Observe(time.Since(start).Seconds())
		status := "ok"
		if runErr != nil {
			status = "error"
		}
		h.metrics.ScriptInvocationsTotal.WithLabelValues(collection, string(phase), entry.engine, status).Inc()
	}

	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, ErrNoHandler) {
		h.markNoHandler(collection, phase)
		return nil
	}
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if h.metrics != nil {
			h.metrics.ScriptTimeoutsTotal.WithLabelValues(collection, string(phase), entry.engine).Inc()
		}
		return apperr.Wrap(apperr.ScriptTimeout, "script timed out", runErr)
	}
	if ec.Cancelled() != nil || len(ec.Errors()) > 0 {
		// Expected flow control, not an error.
		return nil
	}
	ec.Cancel(runErr.Error(), 500)
	return nil
}

func (h *Host) markNoHandler(collection string, phase Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.cache[cacheKey(collection, phase)]; ok {
		e.none = true
	}
}

// resolve returns the up-to-date compiled handler for (collection, phase),
// or nil when no source file exists.
func (h *Host) resolve(collection string, phase Phase) (*cacheEntry, error) {
	path, eng := h.sourceFor(collection, phase)
	if path == "" {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}

	key := cacheKey(collection, phase)
	h.mu.RLock()
	cached, ok := h.cache[key]
	h.mu.RUnlock()
	if ok && cached.path == path && cached.mtime.Equal(info.ModTime()) {
		return cached, nil
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "reading handler source", err)
	}
	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:])

	// Concurrent first uses of the same source share one compilation.
	v, err, _ := h.sf.Do(key+"/"+hash, func() (interface{}, error) {
		h.mu.RLock()
		cached, ok := h.cache[key]
		h.mu.RUnlock()
		if ok && cached.hash == hash && cached.path == path {
			// Same source re-stamped (touch); refresh the mtime only.
			h.mu.Lock()
			cached.mtime = info.ModTime()
			h.mu.Unlock()
			return cached, nil
		}

		if h.metrics != nil {
			h.metrics.ScriptCompilationsTotal.WithLabelValues(collection, string(phase), eng.Name()).Inc()
		}
		handler, err := eng.Compile(path, source)
		entry := &cacheEntry{
			engine: eng.Name(),
			path:   path,
			hash:   hash,
			mtime:  info.ModTime(),
		}
		switch {
		case errors.Is(err, ErrNoHandler):
			entry.none = true
		case err != nil:
			return nil, apperr.Wrap(apperr.Internal, "compiling handler: "+err.Error(), err)
		default:
			entry.handler = handler
		}

		h.mu.Lock()
		h.cache[key] = entry
		h.mu.Unlock()

		if h.log != nil {
			h.log.WithCollection(collection).WithFields(map[string]interface{}{
				"phase":  string(phase),
				"engine": eng.Name(),
			}).Debug("compiled event handler")
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

// sourceFor finds the handler source file for (collection, phase) in engine
// registration order.
func (h *Host) sourceFor(collection string, phase Phase) (string, Engine) {
	for _, b := range h.engines {
		path := filepath.Join(h.dir, collection, string(phase)+b.ext)
		if _, err := os.Stat(path); err == nil {
			return path, b.engine
		}
	}
	return "", nil
}
