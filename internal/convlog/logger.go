// Package convlog records room conversations and judge verdicts as
// NDJSON files for offline review. Writes are asynchronous: a bounded
// queue feeds one writer goroutine, and events are dropped (and
// counted) rather than ever blocking the caller.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Config controls conversation logging.
type Config struct {
	Enabled bool
	// Dir is the root directory for per-room files (<dir>/<roomID>.ndjson).
	Dir string
	// GlobalFile, when set, additionally receives every event.
	GlobalFile string
	// QueueSize bounds the async queue. Defaults to 256.
	QueueSize int
}

// Event is one logged conversation event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"room_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Role      string    `json:"role,omitempty"` // user | agent | system | judge
	EventType string    `json:"event_type"`
	Content   string    `json:"content,omitempty"`
	Detail    any       `json:"detail,omitempty"`
}

// Logger is the conversation logging interface handlers depend on.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event) {}

func (Nop) Close() error { return nil }

// FileLogger writes events to per-room NDJSON files.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger

	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates a file logger and starts its writer goroutine. A disabled
// config returns Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log enqueues an event. A full queue drops the event.
func (l *FileLogger) Log(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded on a full queue.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the queue and closes all files.
func (l *FileLogger) Close() error {
	close(l.queue)
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = make(map[string]*os.File)
	return firstErr
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *FileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to encode conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	if event.RoomID != "" {
		path := filepath.Join(l.cfg.Dir, event.RoomID+".ndjson")
		l.appendTo(path, line)
	}
	if l.cfg.GlobalFile != "" {
		l.appendTo(l.cfg.GlobalFile, line)
	}
}

func (l *FileLogger) appendTo(path string, line []byte) {
	f, err := l.file(path)
	if err != nil {
		l.logger.Error("failed to open conversation log", "path", path, "error", err)
		return
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Error("failed to write conversation log", "path", path, "error", err)
	}
}

func (l *FileLogger) file(path string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}
