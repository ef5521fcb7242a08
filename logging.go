package meshheap

import (
	"io"
	"log"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   = log.New(io.Discard, "meshheap: ", log.LstdFlags)
)

// SetLogger replaces the package-level logger used for meshing-pass
// diagnostics and debug-build poisoning traces. The default logger
// discards everything; most programs never need to call this.
func SetLogger(l *log.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = log.New(io.Discard, "meshheap: ", log.LstdFlags)
	}
	logger = l
}

func logf(format string, args ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	l.Printf(format, args...)
}
