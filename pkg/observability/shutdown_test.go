package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func testLogger() *Logger {
	return NewLogger(ErrorLevel, &bytes.Buffer{})
}

func TestShutdown_RunsClosersInRegistrationOrder(t *testing.T) {
	sm := NewShutdownManager(testLogger(), nil, time.Second)

	var order []string
	for _, name := range []string{"realtime hub", "broker", "store"} {
		name := name
		sm.RegisterCloser(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned %v", err)
	}
	if strings.Join(order, ",") != "realtime hub,broker,store" {
		t.Errorf("closers ran out of order: %v", order)
	}
}

func TestShutdown_CloserFailureDoesNotStopSequence(t *testing.T) {
	sm := NewShutdownManager(testLogger(), nil, time.Second)

	laterRan := false
	sm.RegisterCloser("broker", func(context.Context) error {
		return errors.New("connection reset")
	})
	sm.RegisterCloser("store", func(context.Context) error {
		laterRan = true
		return nil
	})

	err := sm.Shutdown()
	if err == nil {
		t.Fatal("expected an error reporting the failed closer")
	}
	if !strings.Contains(err.Error(), "1 failed closer") {
		t.Errorf("unexpected error: %v", err)
	}
	if !laterRan {
		t.Error("a failing closer must not stop later closers")
	}
}

func TestShutdown_BlockedCloserHitsGracePeriod(t *testing.T) {
	sm := NewShutdownManager(testLogger(), nil, 50*time.Millisecond)

	release := make(chan struct{})
	sm.RegisterCloser("stuck broker", func(context.Context) error {
		<-release
		return nil
	})
	ran := false
	sm.RegisterCloser("store", func(context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown()
	close(release)

	if err == nil {
		t.Fatal("expected a grace-period error")
	}
	if ran {
		t.Error("closers after the blocked one should be skipped")
	}
}

func TestShutdown_RunsOnlyOnce(t *testing.T) {
	sm := NewShutdownManager(testLogger(), nil, time.Second)

	runs := 0
	sm.RegisterCloser("store", func(context.Context) error {
		runs++
		return nil
	})

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("first Shutdown returned %v", err)
	}
	if err := sm.Shutdown(); err != nil {
		t.Fatalf("second Shutdown returned %v", err)
	}
	if runs != 1 {
		t.Errorf("closer ran %d times", runs)
	}
}

func TestShutdown_RecoversCloserPanic(t *testing.T) {
	sm := NewShutdownManager(testLogger(), nil, time.Second)

	sm.RegisterCloser("hub", func(context.Context) error {
		panic("boom")
	})
	ran := false
	sm.RegisterCloser("store", func(context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown()
	if err == nil {
		t.Fatal("expected the panic to surface as a failed closer")
	}
	if !ran {
		t.Error("a panicking closer must not stop later closers")
	}
}

func TestShutdown_DrainsHTTPServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})}
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	sm := NewShutdownManager(testLogger(), server, time.Second)
	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned %v", err)
	}

	select {
	case err := <-served:
		if err != http.ErrServerClosed {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not stop serving")
	}
}
