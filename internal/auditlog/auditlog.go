// Package auditlog implements the Manager's own narrow audit trail: one
// line per event, local-time prefixed, written unbuffered to a file or
// stdout, that never fails the reactor no matter what goes wrong writing it.
//
// This is deliberately not the ambient structured logger (that's zerolog,
// wired at the process level for reactor lifecycle and diagnostics) — it is
// a direct port of original_source's printLogPrefix/m_logStream convention,
// parallel to the way old_ws/audit_logger.go's AuditLogger swallows its own
// marshal errors rather than ever propagating a logging failure upward.
package auditlog

import (
	"fmt"
	"io"
	"os"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// Logger writes one timestamped line per call to Logf. A write error is
// reported to stderr once and otherwise swallowed — logging must never be
// the reason the Manager goes down.
type Logger struct {
	out    io.Writer
	closer io.Closer
}

// Open opens the audit log at path. The special path "-" logs to stdout
// instead of a file, matching original_source's --log_file "-" convention.
// If a file already exists at path, it is rotated to path+".last" first
// (spec.md's supplemented log rotation; the original truncates on reopen,
// this preserves one generation instead of discarding it silently).
func Open(path string) (*Logger, error) {
	if path == "-" {
		return &Logger{out: os.Stdout}, nil
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".last"); err != nil {
			return nil, fmt.Errorf("auditlog: rotate existing log %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auditlog: stat %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %q: %w", path, err)
	}

	return &Logger{out: f, closer: f}, nil
}

// Close closes the underlying file, if this logger owns one (a no-op for
// the stdout sink).
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Logf writes one formatted, local-time-prefixed line. Errors writing the
// line are reported to stderr and otherwise discarded — matching the
// original's fire-and-forget log stream writes, which never gate the
// Manager's control flow.
func (l *Logger) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf("%s: %s\n", time.Now().Format(timeFormat), fmt.Sprintf(format, args...))
	if _, err := io.WriteString(l.out, line); err != nil {
		fmt.Fprintf(os.Stderr, "auditlog: write failed: %v\n", err)
	}
}
