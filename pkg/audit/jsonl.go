package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLSink appends audit records to date-partitioned files named
// traces-YYYY-MM-DD.jsonl under a base directory. Files roll at UTC
// midnight; the sink never rewrites existing lines.
type JSONLSink struct {
	mu      sync.Mutex
	baseDir string
	curDate string
	file    *os.File
	now     func() time.Time
}

// NewJSONLSink creates the sink, ensuring the base directory exists.
func NewJSONLSink(baseDir string) (*JSONLSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: failed to ensure sink dir: %w", err)
	}
	return &JSONLSink{baseDir: baseDir, now: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *JSONLSink) WithClock(now func() time.Time) *JSONLSink {
	s.now = now
	return s
}

// Persist appends one record as a single JSON line.
func (s *JSONLSink) Persist(record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	date := s.now().UTC().Format("2006-01-02")
	if s.file == nil || date != s.curDate {
		if s.file != nil {
			_ = s.file.Close()
		}
		path := filepath.Join(s.baseDir, "traces-"+date+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("audit: failed to open sink file: %w", err)
		}
		s.file = f
		s.curDate = date
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: sink write failed: %w", err)
	}
	return nil
}

// Close releases the current file handle.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
