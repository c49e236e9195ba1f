package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// filePerm is enforced on the audit log even when the file already exists:
// events hold placeholders and run ids that link back to rehydration maps.
const filePerm = 0o600

// FileSink appends one JSON line per event.
type FileSink struct {
	path string

	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewFileSink opens path for appending, creating parent directories, and
// tightens the file mode to owner-only.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	if fi, err := f.Stat(); err == nil && fi.Mode().Perm() != filePerm {
		if err := f.Chmod(filePerm); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("restrict audit file mode: %w", err)
		}
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &FileSink{path: path, f: f, w: w, enc: enc}, nil
}

func (s *FileSink) Name() string { return "file_jsonl:" + s.path }

// Deliver writes and flushes one line. The encoder terminates it with '\n'.
func (s *FileSink) Deliver(_ context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file sink is closed")
	}
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write run %s: %w", ev.RunID, err)
	}
	return s.w.Flush()
}

// Close flushes, syncs and closes the file. It is safe to call twice.
func (s *FileSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := errors.Join(s.w.Flush(), s.f.Sync(), s.f.Close())
	s.f = nil
	return err
}
