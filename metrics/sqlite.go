package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const scalarSchema = `CREATE TABLE IF NOT EXISTS scalars (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	step INTEGER NOT NULL,
	value REAL NOT NULL,
	logged_at TEXT NOT NULL
)`

// SQLiteSink stores scalars in a sqlite database, one row per value, tagged
// with the run id so several runs can share a file.
type SQLiteSink struct {
	db     *sql.DB
	runID  string
	insert *sql.Stmt
}

// OpenSQLite opens (or creates) the database at path. ":memory:" keeps the
// table in memory.
func OpenSQLite(path, runID string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create metrics directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metrics database")
	}
	// A single connection keeps ":memory:" databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping metrics database")
	}
	for _, stmt := range []string{
		scalarSchema,
		"CREATE INDEX IF NOT EXISTS idx_scalars_run_name ON scalars(run_id, name, step)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to initialise metrics schema")
		}
	}
	insert, err := db.Prepare("INSERT INTO scalars (run_id, name, step, value, logged_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to prepare metrics insert")
	}
	return &SQLiteSink{db: db, runID: runID, insert: insert}, nil
}

func (s *SQLiteSink) LogScalar(name string, step int, value float64) error {
	_, err := s.insert.Exec(s.runID, name, step, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "failed to store metric %s", name)
	}
	return nil
}

// Scalars returns the values logged under name for this run, by step.
func (s *SQLiteSink) Scalars(name string) ([]Scalar, error) {
	rows, err := s.db.Query("SELECT name, step, value FROM scalars WHERE run_id = ? AND name = ? ORDER BY step, id", s.runID, name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query metrics")
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var sc Scalar
		if err := rows.Scan(&sc.Name, &sc.Step, &sc.Value); err != nil {
			return nil, errors.Wrap(err, "failed to scan metric row")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *SQLiteSink) Close() error {
	if err := s.insert.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
