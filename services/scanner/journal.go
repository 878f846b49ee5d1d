package scanner

import (
	"database/sql"
	_ "embed"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// schema.sql defines the merges table: one row per persisted target.
//
//go:embed schema.sql
var schemaSQL string

// JournalEntry records one persisted target.
type JournalEntry struct {
	Seq          int
	Created      time.Time
	Strategy     string
	Fitness      float64
	InlierRMSE   float64
	SourcePoints int
	// MergedPoints is the size of the union before downsampling.
	MergedPoints  int
	Points        int
	CaptureFile   string
	MergedFile    string
	Duration      time.Duration
	TransformJSON string
}

// Journal is the SQLite log of a session's merges.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %q", path)
	}
	return newJournal(db)
}

// newJournal configures db and creates the schema. db is closed when either step fails.
func newJournal(db *sql.DB) (_ *Journal, err error) {
	defer func() {
		if err != nil {
			err = multierr.Combine(err, db.Close())
		}
	}()
	// the journal has a single writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, errors.Wrap(err, "configuring journal")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, errors.Wrap(err, "creating journal schema")
	}
	return &Journal{db: db}, nil
}

// Record appends an entry.
func (j *Journal) Record(e JournalEntry) error {
	_, err := j.db.Exec(`INSERT INTO merges (seq, created_unix_nanos, strategy, fitness, inlier_rmse,
		source_points, merged_points, points, capture_file, merged_file, duration_nanos, transform_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Created.UnixNano(), e.Strategy, e.Fitness, e.InlierRMSE,
		e.SourcePoints, e.MergedPoints, e.Points, e.CaptureFile, e.MergedFile,
		int64(e.Duration), e.TransformJSON)
	return errors.Wrapf(err, "journaling merge %d", e.Seq)
}

// Latest returns the newest entry, or nil for an empty journal.
func (j *Journal) Latest() (*JournalEntry, error) {
	entries, err := j.query(`SELECT seq, created_unix_nanos, strategy, fitness, inlier_rmse, source_points,
		merged_points, points, capture_file, merged_file, duration_nanos, transform_json
		FROM merges ORDER BY seq DESC LIMIT 1`)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Entries returns every entry in sequence order.
func (j *Journal) Entries() ([]JournalEntry, error) {
	return j.query(`SELECT seq, created_unix_nanos, strategy, fitness, inlier_rmse, source_points,
		merged_points, points, capture_file, merged_file, duration_nanos, transform_json
		FROM merges ORDER BY seq`)
}

func (j *Journal) query(q string) ([]JournalEntry, error) {
	rows, err := j.db.Query(q)
	if err != nil {
		return nil, errors.Wrap(err, "reading journal")
	}
	defer rows.Close() //nolint:errcheck
	var out []JournalEntry
	for rows.Next() {
		var (
			e        JournalEntry
			created  int64
			duration int64
		)
		if err := rows.Scan(&e.Seq, &created, &e.Strategy, &e.Fitness, &e.InlierRMSE, &e.SourcePoints,
			&e.MergedPoints, &e.Points, &e.CaptureFile, &e.MergedFile, &duration, &e.TransformJSON); err != nil {
			return nil, errors.Wrap(err, "reading journal row")
		}
		e.Created = time.Unix(0, created)
		e.Duration = time.Duration(duration)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
