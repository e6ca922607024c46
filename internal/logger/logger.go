package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chitinwall/chitinwall/internal/redact"
)

// Event kinds written to the audit trail.
const (
	KindScan       = "scan"
	KindAudit      = "audit"
	KindIntegrity  = "integrity"
	KindBaseline   = "baseline"
	KindTransition = "transition"
	KindCorpus     = "corpus"
)

type AuditEvent struct {
	Timestamp string   `json:"timestamp"`
	Kind      string   `json:"kind"`
	Skill     string   `json:"skill,omitempty"`
	Path      string   `json:"path,omitempty"`
	Action    string   `json:"action,omitempty"`
	Risk      string   `json:"risk,omitempty"`
	Rules     []string `json:"rules,omitempty"`
	Corpus    string   `json:"corpus,omitempty"`
	StateFrom string   `json:"state_from,omitempty"`
	StateTo   string   `json:"state_to,omitempty"`
	Reference string   `json:"reference,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Error     string   `json:"error,omitempty"`
}

const defaultMaxLogBytes = 10 << 20

type AuditLogger struct {
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	mu       sync.Mutex
}

func New(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	l := &AuditLogger{path: path, maxBytes: defaultMaxLogBytes}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// rotate moves the current log to <path>.1, replacing any older backup.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return err
	}
	return l.open()
}

func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	// Redact sensitive data before logging
	event.Reference = redact.Redact(event.Reference)
	event.Detail = redact.Redact(event.Detail)
	if event.Error != "" {
		event.Error = redact.Redact(event.Error)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if l.size+int64(len(data)) > l.maxBytes && l.size > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	return err
}

func (l *AuditLogger) Path() string { return l.path }

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadEvents parses an audit log, skipping lines that are not events.
// A missing file yields no events.
func ReadEvents(path string) ([]AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// NewSlog builds the operational logger. Levels are debug, info, warn
// and error; jsonFormat selects the JSON handler over text.
func NewSlog(w io.Writer, level string, jsonFormat bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
