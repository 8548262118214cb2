package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// closer is one named teardown step.
type closer struct {
	name string
	fn   func(context.Context) error
}

// ShutdownManager coordinates relayd's teardown: stop accepting HTTP,
// drain in-flight requests up to the grace period, then run the registered
// closers strictly in registration order. Order matters here — the realtime
// hub must drop its clients before the broker disconnects, and both before
// the store closes — so closers run sequentially, not fanned out.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu      sync.Mutex
	closers []closer
	once    sync.Once
}

// NewShutdownManager creates a shutdown manager draining server within
// timeout.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// RegisterCloser appends a named teardown step. Closers run in
// registration order, after the HTTP server has drained.
func (sm *ShutdownManager) RegisterCloser(name string, fn func(context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("received signal %s, starting graceful shutdown", sig)
	return sm.Shutdown()
}

// Shutdown runs the teardown sequence once: drain the HTTP server, then
// each closer in order. A closer failure is logged and does not stop the
// rest of the sequence; the grace period bounds the whole run.
func (sm *ShutdownManager) Shutdown() error {
	var result error

	sm.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()

		if sm.server != nil {
			sm.logger.Info("draining HTTP server")
			if err := sm.server.Shutdown(ctx); err != nil {
				sm.logger.WithError(err).Error("HTTP server drain failed")
				result = fmt.Errorf("HTTP server drain failed: %w", err)
				// Keep going: the hub, broker, and store still need closing.
			}
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()

		failed := 0
		for _, c := range closers {
			if ctx.Err() != nil {
				sm.logger.WithField("closer", c.name).Warn("grace period exhausted, skipping remaining closers")
				result = fmt.Errorf("shutdown grace period exhausted before %q", c.name)
				return
			}
			if err := runCloser(ctx, c); err != nil {
				failed++
				sm.logger.WithError(err).WithField("closer", c.name).Error("closer failed")
			} else {
				sm.logger.WithField("closer", c.name).Debug("closer complete")
			}
		}

		if failed > 0 && result == nil {
			result = fmt.Errorf("shutdown completed with %d failed closer(s)", failed)
		}
		if result == nil {
			sm.logger.Info("graceful shutdown complete")
		}
	})

	return result
}

// runCloser invokes one closer, bounding it by the remaining grace period
// even if the closer ignores its context.
func runCloser(ctx context.Context, c closer) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("closer %q panicked: %v", c.name, r)
			}
		}()
		done <- c.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("closer %q did not finish within the grace period", c.name)
	}
}
