package meshheap

import (
	"bytes"
	"log"
	"testing"
)

func TestSetLoggerCapturesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(log.New(&buf, "", 0))
	defer SetLogger(nil)

	logf("hello %d", 7)

	if got := buf.String(); got != "hello 7\n" {
		t.Fatalf("logf output = %q, want %q", got, "hello 7\n")
	}
}

func TestSetLoggerNilRestoresDiscard(t *testing.T) {
	SetLogger(nil)
	// Must not panic, and must not write to stdout/stderr either -- there
	// is no observable side effect to assert beyond "did not panic".
	logf("swallowed")
}
