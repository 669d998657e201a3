package manifest

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/fieldcam/internal/logic/trigger"
)

// SQLiteSink mirrors entries into a SQLite database shared across sessions,
// for consumers that prefer queries over scanning JSONL files.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS captures (
			sequence_id INTEGER PRIMARY KEY,
			session_id  TEXT NOT NULL,
			path        TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			attempts    INTEGER NOT NULL,
			trigger     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id, sequence_id);`)
	if err != nil {
		return fmt.Errorf("init manifest schema: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(e Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO captures
		(sequence_id, session_id, path, captured_at, outcome, reason, attempts, trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SequenceID,
		e.SessionID,
		e.Path,
		e.CapturedAt.UTC().Format(time.RFC3339Nano),
		string(e.Outcome),
		e.Reason,
		e.Attempts,
		e.Trigger.String(),
	)
	if err != nil {
		return fmt.Errorf("mirror manifest entry %d: %w", e.SequenceID, err)
	}
	return nil
}

// ListSession returns the entries of one session in sequence order.
func (s *SQLiteSink) ListSession(sessionID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT sequence_id, session_id, path, captured_at, outcome, reason, attempts, trigger
		FROM captures
		WHERE session_id = ?
		ORDER BY sequence_id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			capturedAt string
			outcome    string
			kind       string
		)
		if err := rows.Scan(&e.SequenceID, &e.SessionID, &e.Path, &capturedAt, &outcome, &e.Reason, &e.Attempts, &kind); err != nil {
			return nil, err
		}
		e.CapturedAt, _ = time.Parse(time.RFC3339Nano, capturedAt)
		e.Outcome = Outcome(outcome)
		var k trigger.Kind
		if err := k.UnmarshalText([]byte(kind)); err == nil {
			e.Trigger = k
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxSequenceID returns the highest id ever mirrored, 0 when empty.
func (s *SQLiteSink) MaxSequenceID() (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence_id) FROM captures`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (s *SQLiteSink) Flush() error { return nil }

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
