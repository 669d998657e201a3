// Package manifest records every capture of a session in order.
//
// The manifest is the only contract with the downstream stitching and upload
// pipeline: it lists frames by sequence id so nothing has to inspect image
// bytes or file times to know the order.
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/logic/trigger"
)

// Outcome is the final result of one capture request.
type Outcome string

const (
	Success Outcome = "success"
	Failed  Outcome = "failed"
)

// Entry is one capture result.
type Entry struct {
	SequenceID uint64       `json:"sequence_id"`
	Path       string       `json:"path"`
	CapturedAt time.Time    `json:"captured_at"`
	Outcome    Outcome      `json:"outcome"`
	Reason     string       `json:"reason,omitempty"`
	Attempts   int          `json:"attempts"`
	Trigger    trigger.Kind `json:"trigger"`
	SessionID  string       `json:"session_id"`
}

// Sink persists entries as they are appended.
type Sink interface {
	Write(e Entry) error
	Flush() error
	Close() error
}

// ErrOutOfOrder is returned when an entry would break id monotonicity.
var ErrOutOfOrder = errors.New("manifest: sequence id not increasing")

// Manifest is the append-only, ordered record of one session.
// Only the orchestrator appends; readers get copies.
type Manifest struct {
	sessionID string

	mu      sync.RWMutex
	entries []Entry
	sinks   []Sink
	closed  bool
}

// New creates an empty manifest writing through sinks.
func New(sessionID string, sinks ...Sink) *Manifest {
	return &Manifest{sessionID: sessionID, sinks: sinks}
}

// SessionID returns the id stamped on every entry.
func (m *Manifest) SessionID() string { return m.sessionID }

// Append records e. The entry is kept in memory even when a sink fails; the
// sink errors are returned joined.
func (m *Manifest) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("manifest: closed")
	}
	if n := len(m.entries); n > 0 && e.SequenceID <= m.entries[n-1].SequenceID {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, e.SequenceID, m.entries[n-1].SequenceID)
	}
	if e.SessionID == "" {
		e.SessionID = m.sessionID
	}
	m.entries = append(m.entries, e)

	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries returns a copy of all entries in order.
func (m *Manifest) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Counts returns the number of successful and failed entries.
func (m *Manifest) Counts() (success, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Outcome == Success {
			success++
		} else {
			failed++
		}
	}
	return success, failed
}

// SuccessPaths returns the paths of successful frames in sequence order.
func (m *Manifest) SuccessPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for _, e := range m.entries {
		if e.Outcome == Success {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

// Flush pushes buffered data of every sink to stable storage.
func (m *Manifest) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every sink. Further appends fail.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileName returns the manifest file name for a session started at start.
func FileName(start time.Time) string {
	return "manifest_" + start.UTC().Format("20060102T150405Z") + ".jsonl"
}

// PathFor returns the manifest path inside dir.
func PathFor(dir string, start time.Time) string {
	return filepath.Join(dir, FileName(start))
}
