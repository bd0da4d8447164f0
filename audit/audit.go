// Package audit maintains the append-only trail of lock-manager and
// pipeline actions. The log is line-delimited JSON: one object per line,
// written once, never rewritten, so consumers can replay it to reconstruct
// lease history for an entity or an agent.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit record. Contextual fields ride alongside the fixed
// header fields in the same JSON object.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Subsystem string         `json:"subsystem"`
	Action    string         `json:"action"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object.
func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	flat["subsystem"] = e.Subsystem
	flat["action"] = e.Action
	return json.Marshal(flat)
}

// UnmarshalJSON splits the header fields back out of the flat object.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if ts, ok := flat["timestamp"].(string); ok {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("parse audit timestamp: %w", err)
		}
		e.Timestamp = t
	}
	e.Subsystem, _ = flat["subsystem"].(string)
	e.Action, _ = flat["action"].(string)
	delete(flat, "timestamp")
	delete(flat, "subsystem")
	delete(flat, "action")
	e.Fields = flat
	return nil
}

// Logger appends entries to a JSONL file. Appends are serialized in-process;
// across processes each line is written with a single O_APPEND write, which
// keeps lines whole.
type Logger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Logger{path: path, now: time.Now}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// Append writes one record. The record is never updated or deleted.
func (l *Logger) Append(subsystem, action string, fields map[string]any) error {
	entry := Entry{
		Timestamp: l.now(),
		Subsystem: subsystem,
		Action:    action,
		Fields:    fields,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Read replays the complete log in append order. A missing file is an empty
// history, not an error.
func (l *Logger) Read() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crashed writer is skipped, not
			// fatal to replay.
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// ForEntity replays only the entries whose entity_id field matches.
func (l *Logger) ForEntity(entityID string) ([]Entry, error) {
	return l.filter("entity_id", entityID)
}

// ForAgent replays only the entries whose agent_id field matches.
func (l *Logger) ForAgent(agentID string) ([]Entry, error) {
	return l.filter("agent_id", agentID)
}

func (l *Logger) filter(key, value string) ([]Entry, error) {
	entries, err := l.Read()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if v, ok := e.Fields[key].(string); ok && v == value {
			out = append(out, e)
		}
	}
	return out, nil
}
