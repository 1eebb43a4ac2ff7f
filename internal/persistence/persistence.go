// Package persistence implements the crash-recovery JSON task-table adapter
// (spec.md §4.9, §7, §9): atomic save (write to a temp file, then rename),
// load with field defaulting and schema-version tagging, and forcing any
// restored running or starting task to failed. This package is one of the few
// places in the repository built directly on the standard library
// (encoding/json + os) rather than a third-party dependency — see
// DESIGN.md for the justification; no library in the teacher's or the
// pack's dependency set wraps "write JSON, then atomic rename" more
// concretely than os.Rename itself, and introducing an embedded database
// (the pack's sqlite/pgx drivers) for a single small append-mostly document
// would contradict spec.md §1's explicit exclusion of the Postgres/SQLite
// board storage layer as out of scope.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is written into every persisted document so future loaders
// can detect and migrate older layouts (spec.md §9 "Persistence schema
// evolution").
const SchemaVersion = 1

// Record is the on-disk shape of one task row (spec.md §3 fields, §6
// "Persisted state"). Field names are the wire/JSON names, independent of
// the in-memory Task struct's Go field names.
type Record struct {
	ID                string `json:"id"`
	SessionID         string `json:"sessionId,omitempty"`
	ParentSessionID   string `json:"parentSessionId"`
	Agent             string `json:"agent"`
	Description       string `json:"description"`
	Prompt            string `json:"prompt"`
	Model             string `json:"model"`
	Status            string `json:"status"`
	StateVersion      int    `json:"stateVersion"`
	NotificationState string `json:"notificationState"`
	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
	IsResultTruncated bool   `json:"isResultTruncated"`
	StartedAt         string `json:"startedAt,omitempty"`
	CompletedAt       string `json:"completedAt,omitempty"`
}

// Document is the full on-disk file shape: a schema version plus the task
// table keyed by task id.
type Document struct {
	SchemaVersion int                `json:"schemaVersion"`
	Tasks         map[string]Record `json:"tasks"`
}

// Adapter saves/restores task tables under a fixed file path.
type Adapter struct {
	path string
}

// New builds an Adapter writing to path (default
// "<working-dir>/.opencode/background-tasks.json").
func New(path string) *Adapter {
	return &Adapter{path: path}
}

// Path returns the file path this adapter reads/writes.
func (a *Adapter) Path() string {
	return a.path
}

// Save atomically writes tasks to disk: marshal to a temp file in the same
// directory, then rename over the target path so a crash mid-write never
// leaves a partially-written document (spec.md §5 "written atomically:
// write full JSON then move").
func (a *Adapter) Save(tasks map[string]Record) error {
	doc := Document{SchemaVersion: SchemaVersion, Tasks: tasks}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".background-tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}

// LoadResult is what Load returns: the restored rows plus which ids were
// forced to failed because they were running or starting at save time (spec.md
// §4.9 recovery semantics).
type LoadResult struct {
	Tasks           map[string]Record
	RecoveredFailed []string
}

// InterruptedError is the fixed error message stamped onto any task
// recovered in a non-terminal status.
const InterruptedError = "Task interrupted by process restart"

// Load reads the document at path. A missing file is treated as empty
// state (spec.md §7 "persistence failures on load: treated as empty
// state"), not an error. Fields missing from an older schema default per
// spec.md §9: missing stateVersion -> 0, missing notificationState ->
// "pending". Any row whose status is "running" or "starting" is forced to
// "failed" with InterruptedError and completedAt set to now.
func Load(path string, now time.Time) (LoadResult, error) {
	result := LoadResult{Tasks: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, nil // treated as empty state per spec.md §7, not surfaced
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return result, nil // malformed persisted state is also treated as empty
	}

	nowStr := now.UTC().Format(timeLayout)
	for id, rec := range doc.Tasks {
		if rec.NotificationState == "" {
			rec.NotificationState = "pending"
		}
		if rec.Status == "running" || rec.Status == "starting" {
			rec.Status = "failed"
			rec.Error = InterruptedError
			rec.CompletedAt = nowStr
			result.RecoveredFailed = append(result.RecoveredFailed, id)
		}
		result.Tasks[id] = rec
	}
	return result, nil
}

const timeLayout = time.RFC3339
