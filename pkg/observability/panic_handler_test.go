package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestRecoverPanic_LogsAndSwallows(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	func() {
		defer RecoverPanic(logger, "hub dispatch")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("expected a panic log line, got %s", out)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "hub dispatch") {
		t.Errorf("expected panic value and task in %s", out)
	}
	if !strings.Contains(out, "stack") {
		t.Errorf("expected a stack trace in %s", out)
	}
}

func TestRecoverPanic_NoopWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	func() {
		defer RecoverPanic(logger, "quiet path")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %s", buf.String())
	}
}
