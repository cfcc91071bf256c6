// Package siem appends alert records to a JSON Lines sink for external
// ingestion. One JSON object per line, append-only; the store is the source
// of truth, so a failed write is reported and the stream is replayable.
package siem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardscry/wardscry/pkg/core"
)

// Record is one emitted line. Field layout follows the Elastic Common Schema
// so collectors can ingest the stream without a custom decoder.
type Record struct {
	Timestamp string         `json:"@timestamp"`
	Observer  ObserverInfo   `json:"observer"`
	Host      HostInfo       `json:"host"`
	Event     EventInfo      `json:"event"`
	Log       LogInfo        `json:"log"`
	File      *FileInfo      `json:"file,omitempty"`
	WardScry  WardScryFields `json:"wardscry"`
	Message   string         `json:"message"`
}

type ObserverInfo struct {
	Product string `json:"product"`
	Type    string `json:"type"`
}

type HostInfo struct {
	Hostname string `json:"hostname"`
}

type EventInfo struct {
	Kind     string `json:"kind"`
	Action   string `json:"action"`
	Severity int    `json:"severity"`
}

type LogInfo struct {
	Level string `json:"level"`
}

type FileInfo struct {
	Path string `json:"path"`
}

type WardScryFields struct {
	EventID     string `json:"event_id"`
	TokenID     int64  `json:"token_id"`
	TokenPath   string `json:"token_path"`
	Sensitivity string `json:"sensitivity"`
	RawCount    int    `json:"raw_count"`
	Details     string `json:"details,omitempty"`
}

// Emitter writes newline-delimited JSON to an append-only file.
type Emitter struct {
	path     string
	hostname string

	mu   sync.Mutex
	file *os.File
}

// New creates an emitter for the given sink path. The file is opened lazily
// on first emit so a misconfigured sink does not block daemon startup.
func New(path string) *Emitter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Emitter{path: path, hostname: hostname}
}

// Path returns the sink path.
func (e *Emitter) Path() string { return e.path }

// Emit appends one line for the event. Safe for use after a previous failure;
// the file handle is re-opened as needed.
func (e *Emitter) Emit(_ context.Context, ev core.Event, t core.Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOpen(); err != nil {
		return err
	}

	rec := e.build(ev, t)
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal siem record: %w", err)
	}
	if _, err := e.file.Write(append(line, '\n')); err != nil {
		// Drop the handle so the next emit retries from scratch.
		_ = e.file.Close()
		e.file = nil
		return fmt.Errorf("append siem record: %w", err)
	}
	return nil
}

// Close closes the sink file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func (e *Emitter) ensureOpen() error {
	if e.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create sink dir: %w", err)
	}
	_, statErr := os.Stat(e.path)
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	if os.IsNotExist(statErr) {
		// Collectors often run under another account; make a fresh sink
		// world-readable. Failure here is not worth refusing the emit.
		_ = f.Chmod(0o644)
	}
	e.file = f
	return nil
}

func (e *Emitter) build(ev core.Event, t core.Token) Record {
	level := string(t.Sensitivity)
	if !t.Sensitivity.Valid() {
		level = string(core.SensitivityLow)
	}
	rec := Record{
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
		Observer:  ObserverInfo{Product: "WardScry", Type: "honeypot"},
		Host:      HostInfo{Hostname: e.hostname},
		Event: EventInfo{
			Kind:     "alert",
			Action:   string(ev.Kind),
			Severity: t.Sensitivity.SeverityScore(),
		},
		Log: LogInfo{Level: level},
		WardScry: WardScryFields{
			EventID:     ev.ID,
			TokenID:     ev.TokenID,
			TokenPath:   t.Path,
			Sensitivity: string(t.Sensitivity),
			RawCount:    ev.RawCount,
			Details:     ev.Details,
		},
		Message: fmt.Sprintf("WardScry token %s: %s", ev.Kind, ev.Details),
	}
	if t.Path != "" {
		rec.File = &FileInfo{Path: t.Path}
	}
	return rec
}

var _ core.Emitter = (*Emitter)(nil)
