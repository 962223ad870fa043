package barto

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Version is stamped by the build; the fallback marks dev builds.
var Version = "0.4.0-dev"

// LogOptions come from the shared CLI flags every binary takes.
type LogOptions struct {
	Verbose         int
	Quiet           int
	EnableStdOutput bool
	TracingPath     string
}

var logLevel = 1

// SetupLogging points the log package at the right writers and
// records the verbosity level. Returns a closer for the trace file.
func SetupLogging(prefix string, o LogOptions) (func(), error) {
	logLevel = 1 + o.Verbose - o.Quiet

	writers := make([]io.Writer, 0, 2)
	closer := func() {}
	if o.TracingPath != "" {
		f, err := os.OpenFile(o.TracingPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open trace file: %v", ErrConfig, err)
		}
		writers = append(writers, f)
		closer = func() { _ = f.Close() }
	}
	if o.EnableStdOutput || o.TracingPath == "" {
		writers = append(writers, os.Stderr)
	}

	log.SetPrefix(prefix)
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if logLevel <= 0 {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(io.MultiWriter(writers...))
	}
	return closer, nil
}

// Verbosef logs only at raised verbosity.
func Verbosef(format string, args ...any) {
	if logLevel >= 2 {
		log.Printf(format, args...)
	}
}
