// Package sink hands records to the external consumer by appending them as
// JSON lines to a shared file.
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ppiankov/wmihelper/internal/record"
)

// LineEnding terminates every record: CRLF on Windows, LF elsewhere.
var LineEnding = lineEnding(runtime.GOOS)

func lineEnding(goos string) string {
	if goos == "windows" {
		return "\r\n"
	}
	return "\n"
}

// Sink appends one JSON line per record. The file is opened per write and
// never held open, so a crash loses at most the line being written.
type Sink struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

// New creates a sink for path.
func New(path string, log *slog.Logger) *Sink {
	return &Sink{path: path, log: log}
}

// Path returns the output file path.
func (s *Sink) Path() string {
	return s.path
}

// Truncate empties the output file, creating it if needed.
func (s *Sink) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("sink: create directory: %w", err)
	}
	if err := os.WriteFile(s.path, nil, 0644); err != nil {
		return fmt.Errorf("sink: truncate: %w", err)
	}
	return nil
}

// Write serializes r and appends it. Failures are logged and the record
// dropped; Write reports whether the line reached the file.
func (s *Sink) Write(r record.Record) bool {
	line, err := json.Marshal(r)
	if err != nil {
		s.log.Error("Failed to serialize response", "type", string(r.Type), "err", err)
		return false
	}

	s.mu.Lock()
	err = s.appendLine(append(line, LineEnding...))
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Failed to append event", "path", s.path, "err", err)
		return false
	}
	s.log.Debug("Event logged to file", "path", s.path, "type", string(r.Type))
	return true
}

func (s *Sink) appendLine(line []byte) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("sink: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("sink: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sink: sync: %w", err)
	}
	return f.Close()
}
