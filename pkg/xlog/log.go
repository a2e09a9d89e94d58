// Package xlog provides a minimal component-prefixed logger shared by
// every package in this module: components log through the standard
// library's log.Logger with a bracketed component tag.
package xlog

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var output atomic.Value // io.Writer

func init() {
	output.Store(io.Writer(os.Stderr))
}

// SetOutput redirects every Logger created afterward (and any already
// created, since they share the atomic output) to w. Intended for tests.
func SetOutput(w io.Writer) {
	output.Store(w)
}

// Logger writes component-prefixed diagnostic lines.
type Logger struct {
	component string
}

// New returns a Logger tagging every line with [component].
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) std() *log.Logger {
	return log.New(output.Load().(io.Writer), "["+l.component+"] ", log.LstdFlags)
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.std().Printf(format, args...)
}

// Errorf logs an error line.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std().Printf("ERROR "+format, args...)
}

// Debugf logs a debug line. Currently unconditional; kept distinct from
// Infof so call sites read correctly and a verbosity gate can be added
// without touching every caller.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.std().Printf("DEBUG "+format, args...)
}
