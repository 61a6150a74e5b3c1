package api

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"chinotype/internal/errors"
	"chinotype/ports"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

// FileRequestLogger writes each accepted request to its own JSON file
// named <timestamp>-<user>.json
type FileRequestLogger struct {
	dir   string
	clock func() time.Time
	mu    sync.Mutex
}

var _ ports.RequestLogger = (*FileRequestLogger)(nil)

// NewFileRequestLogger logs into dir, creating it if needed
func NewFileRequestLogger(dir string) (*FileRequestLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create request log directory")
	}
	return &FileRequestLogger{dir: dir, clock: time.Now}, nil
}

// FileName is the log file name for a request at t
func FileName(t time.Time, username string) string {
	timestamp := strings.ReplaceAll(t.Format("2006-01-02 15:04:05.000000"), " ", "T")
	user := unsafeName.ReplaceAllString(username, "_")
	if user == "" {
		user = "anonymous"
	}
	return timestamp + "-" + user + ".json"
}

func (l *FileRequestLogger) LogRequest(username string, params map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	path := filepath.Join(l.dir, FileName(l.clock(), username))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write request log")
	}
	return nil
}

// NopRequestLogger drops requests
type NopRequestLogger struct{}

func (NopRequestLogger) LogRequest(string, map[string]string) error { return nil }

// NewRequestLogger picks the file logger for a non-empty dir
func NewRequestLogger(dir string) (ports.RequestLogger, error) {
	if dir == "" {
		return NopRequestLogger{}, nil
	}
	return NewFileRequestLogger(dir)
}
