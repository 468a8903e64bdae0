package evolve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultObservabilityDir returns the well-known directory session logs are
// written to: ~/.evolve/observability/sessions.
func DefaultObservabilityDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "evolve-observability")
	}
	return filepath.Join(home, ".evolve", "observability", "sessions")
}

// obsLog is the per-session append-only event log. One session writes
// exactly one <tag>.jsonl file: a _meta envelope first, a _prompt record
// per run, then streamed content and lifecycle events. Rotating the session
// tag (kill + new run, or SetSession) opens a new file.
type obsLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// obsMeta is the first record of every session log.
type obsMeta struct {
	Tag           string    `json:"tag"`
	Agent         string    `json:"agent"`
	Model         string    `json:"model,omitempty"`
	WorkspaceMode string    `json:"workspace_mode,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// newObsLog opens <dir>/<tag>.jsonl and writes the _meta envelope.
func newObsLog(dir, tag string, meta obsMeta) (*obsLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, tag+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := &obsLog{file: file, path: path}
	if err := l.append(map[string]any{"_meta": meta}); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Prompt records the text of one Run invocation.
func (l *obsLog) Prompt(text string) error {
	return l.append(map[string]any{"_prompt": map[string]string{"text": text}})
}

// Event records one streamed event with its channel.
func (l *obsLog) Event(channel EventChannel, payload any) error {
	return l.append(map[string]any{"channel": channel, "event": payload})
}

// Path returns the log file location.
func (l *obsLog) Path() string { return l.path }

// Close flushes and closes the log file.
func (l *obsLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *obsLog) append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}
