package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// JSONLSink appends one JSON object per line and fsyncs after each entry, so
// a crash leaves a valid, truncated manifest.
type JSONLSink struct {
	path string
	f    *os.File
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return &JSONLSink{path: path, f: f}, nil
}

// Path returns the file being written.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode manifest entry %d: %w", e.SequenceID, err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write manifest entry %d: %w", e.SequenceID, err)
	}
	return s.f.Sync()
}

func (s *JSONLSink) Flush() error {
	return s.f.Sync()
}

func (s *JSONLSink) Close() error {
	return s.f.Close()
}

// ReadJSONL loads a manifest file. A torn final line (power loss mid-write)
// is ignored; corruption anywhere else is an error.
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		entries []Entry
		pending error
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNo++
		if pending != nil {
			return nil, pending
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			pending = fmt.Errorf("manifest line %d: %w", lineNo, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
