package transport

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// errorLog appends platform API failures to a JSONL file so failed
// payloads survive restarts and can be replayed against support.
type errorLog struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func newErrorLog(path string, logger *slog.Logger) *errorLog {
	return &errorLog{path: path, logger: logger}
}

type errorEntry struct {
	Timestamp string          `json:"timestamp"`
	Action    string          `json:"action"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Advice    string          `json:"advice"`
	RequestID string          `json:"request_id"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (l *errorLog) record(action string, code int, message, requestID string, params []byte) {
	if l.path == "" {
		return
	}

	entry := errorEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Action:    action,
		Code:      code,
		Message:   message,
		Advice:    adviceFor(code),
		RequestID: requestID,
		Params:    params,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("failed to encode platform error entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.logger.Error("failed to create platform error log dir", "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error("failed to open platform error log", "path", l.path, "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("failed to close platform error log", "error", closeErr)
		}
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to write platform error log", "path", l.path, "error", err)
	}
}
