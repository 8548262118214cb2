package async

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relayd/pkg/observability"
)

// captureLogger swaps the package logger for one writing into a buffer and
// restores the previous logger when the test ends. The buffer is guarded
// because supervised goroutines log from their own goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := pkgLogger()
	SetLogger(observability.NewLogger(observability.DebugLevel, buf))
	t.Cleanup(func() { SetLogger(prev) })
	return buf
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSafeGo_RunsTask(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSafeGo_ErrorRoutedThroughLogger(t *testing.T) {
	buf := captureLogger(t)

	SafeGo(context.Background(), time.Second, "broker publish", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	waitFor(t, func() bool { return strings.Contains(buf.String(), "background task failed") })
	out := buf.String()
	if !strings.Contains(out, "connection refused") {
		t.Errorf("expected the task error in the log, got %s", out)
	}
	if !strings.Contains(out, "broker publish") {
		t.Errorf("expected the task name in the log, got %s", out)
	}
}

func TestSafeGo_PanicRoutedThroughLogger(t *testing.T) {
	buf := captureLogger(t)

	SafeGo(context.Background(), time.Second, "hub dispatch", func(ctx context.Context) error {
		panic("boom")
	})

	waitFor(t, func() bool { return strings.Contains(buf.String(), "panic recovered") })
	if !strings.Contains(buf.String(), "hub dispatch") {
		t.Errorf("expected the task name in the panic log, got %s", buf.String())
	}
}

func TestSafeGo_TimeoutCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	SafeGo(context.Background(), 30*time.Millisecond, "slow task", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return nil
	})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was never cancelled by the timeout")
	}
}

func TestSafeGo_ZeroTimeoutRunsUntilParentDone(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	stopped := make(chan struct{})
	SafeGo(parent, 0, "dispatch loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil
	})

	<-started
	select {
	case <-stopped:
		t.Fatal("zero timeout must not expire on its own")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop when the parent context was cancelled")
	}
}

func TestSafeGoNoError(t *testing.T) {
	done := make(chan struct{})
	SafeGoNoError(context.Background(), time.Second, "test task", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSetLogger_IgnoresNil(t *testing.T) {
	prev := pkgLogger()
	SetLogger(nil)
	if pkgLogger() != prev {
		t.Error("SetLogger(nil) must keep the previous logger")
	}
}

func TestWorkerPool_ProcessesSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, "test pool", time.Second)
	defer pool.Shutdown(time.Second)

	var count int64
	for i := 0; i < 20; i++ {
		if err := pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&count) == 20 })
}

func TestWorkerPool_CollectsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", time.Second)
	defer pool.Shutdown(time.Second)

	want := errors.New("task failed")
	if err := pool.Submit(func(ctx context.Context) error { return want }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case err := <-pool.Errors():
		if !errors.Is(err, want) {
			t.Errorf("got %v, want %v", err, want)
		}
	case <-time.After(time.Second):
		t.Fatal("error never surfaced")
	}
}

func TestWorkerPool_RecoversTaskPanic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", time.Second)
	defer pool.Shutdown(time.Second)

	if err := pool.Submit(func(ctx context.Context) error { panic("task panic") }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case err := <-pool.Errors():
		if !strings.Contains(err.Error(), "panic") {
			t.Errorf("got %v, want a panic error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("panic never surfaced as an error")
	}

	// The worker survives the panic and keeps processing.
	done := make(chan struct{})
	if err := pool.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Submit after panic failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped processing after a task panic")
	}
}

func TestWorkerPool_SubmitAfterShutdownFails(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", time.Second)
	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := pool.Submit(func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Submit after Shutdown should fail")
	}
}

func TestWorkerPool_ShutdownDrainsQueuedTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", time.Second)

	var count int64
	for i := 0; i < 5; i++ {
		if err := pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := atomic.LoadInt64(&count); got != 5 {
		t.Errorf("drained %d of 5 queued tasks", got)
	}
}

func TestBatch_ProcessesAllItems(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum int64

	errs := Batch(context.Background(), items, 3, "test batch", time.Second, func(ctx context.Context, item int) error {
		atomic.AddInt64(&sum, int64(item))
		return nil
	})

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if sum != 15 {
		t.Errorf("sum = %d, want 15", sum)
	}
}

func TestBatch_ReturnsAllErrors(t *testing.T) {
	items := []int{1, 2, 3, 4}

	errs := Batch(context.Background(), items, 2, "test batch", time.Second, func(ctx context.Context, item int) error {
		if item%2 == 0 {
			return fmt.Errorf("item %d failed", item)
		}
		return nil
	})

	if len(errs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(errs), errs)
	}
}
