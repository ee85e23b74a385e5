// Package wal implements an append-only JSON-lines log used by the in-memory
// backend to survive restarts. Every mutation is encoded and fsynced before it
// is applied to memory; on startup the log is replayed from the beginning.
package wal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

type WAL struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens or creates the log at path in append mode.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Write appends one record and forces it to disk before returning. A record
// that Write reported as durable will be seen by a later ReadAll.
func (w *WAL) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := json.NewEncoder(w.file).Encode(v); err != nil {
		return err
	}
	return w.file.Sync()
}

// ReadAll replays every record from the start of the log, passing the raw
// JSON of each to fn. Replay stops at the first callback error.
func (w *WAL) ReadAll(fn func(raw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dec := json.NewDecoder(w.file)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
