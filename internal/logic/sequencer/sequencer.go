// Package sequencer assigns capture ids and output paths.
//
// Names have the form <id>_<timestamp>.<ext> where id is zero padded to
// IDWidth digits and timestamp is UTC, so a plain lexical sort of the
// directory is capture order.
package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/hw/camera"
)

// IDWidth is the zero-padding applied to sequence ids in file names.
const IDWidth = 8

// TimeLayout is the timestamp embedded in file names.
const TimeLayout = "20060102T150405.000Z"

// Slot is one reserved capture id and its target path.
type Slot struct {
	ID   uint64
	Path string
}

// Sequencer hands out strictly increasing ids. Safe for concurrent use.
type Sequencer struct {
	dir string
	ext string

	mu    sync.Mutex
	last  uint64
	stale []string
}

// New scans dir and seeds the counter from the highest id already present,
// so numbering survives a process restart. In-progress (.part) files left
// by an interrupted run are collected in Stale.
func New(dir, ext string) (*Sequencer, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	s := &Sequencer{dir: dir, ext: ext}

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if camera.IsTempPath(name) {
			s.stale = append(s.stale, filepath.Join(dir, name))
			name = strings.TrimSuffix(name, camera.PartSuffix)
		}
		if id, ok := ParseID(name); ok && id > s.last {
			s.last = id
		}
	}
	return s, nil
}

// ParseID extracts the sequence id from a frame file name.
func ParseID(name string) (uint64, bool) {
	base := filepath.Base(name)
	i := strings.IndexByte(base, '_')
	if i <= 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(base[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Next reserves the next id and computes its path for a capture at now.
// No file is created.
func (s *Sequencer) Next(now time.Time) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return Slot{ID: s.last, Path: s.path(s.last, now)}
}

// NextPath is Next without the id.
func (s *Sequencer) NextPath() string {
	return s.Next(time.Now()).Path
}

func (s *Sequencer) path(id uint64, now time.Time) string {
	name := fmt.Sprintf("%0*d_%s.%s", IDWidth, id, now.UTC().Format(TimeLayout), s.ext)
	return filepath.Join(s.dir, name)
}

// Advance raises the counter to at least min, for ids recorded outside the
// directory (e.g. a manifest database). It never lowers the counter.
func (s *Sequencer) Advance(min uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if min > s.last {
		s.last = min
	}
}

// Last returns the highest id reserved so far (or found on disk).
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stale returns in-progress files found at startup.
func (s *Sequencer) Stale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stale...)
}

// Dir returns the output directory.
func (s *Sequencer) Dir() string { return s.dir }
