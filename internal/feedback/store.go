// Package feedback persists operator corrections to detector verdicts in an
// append-only SQLite table.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/hydro-sentinel/internal/learner"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Label is a binary classification of a reading.
type Label string

const (
	LabelAnomaly Label = "anomaly"
	LabelNormal  Label = "normal"
)

// LabelOf maps a detector decision to a Label.
func LabelOf(isAnomaly bool) Label {
	if isAnomaly {
		return LabelAnomaly
	}
	return LabelNormal
}

func (l Label) valid() bool { return l == LabelAnomaly || l == LabelNormal }

// ErrInvalid is wrapped by Append for incomplete submissions.
var ErrInvalid = errors.New("invalid feedback")

// Input is a feedback submission.
type Input struct {
	ReadingID     string             `json:"reading_id"`
	OriginalLabel Label              `json:"original_label"`
	CorrectLabel  Label              `json:"correct_label"`
	Confidence    *float64           `json:"confidence,omitempty"`
	Reading       *telemetry.Reading `json:"reading,omitempty"`
	Operator      string             `json:"operator,omitempty"`
	Notes         string             `json:"notes,omitempty"`
}

// Record is a stored feedback entry.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Input
}

// Verdict classifies the original prediction against the correction.
func (r Record) Verdict() learner.Verdict {
	return learner.VerdictFor(r.OriginalLabel == LabelAnomaly, r.CorrectLabel == LabelAnomaly)
}

// Entry converts r for the active learner. It reports false when the record
// carries no reading to retrain on.
func (r Record) Entry() (learner.Entry, bool) {
	if r.Reading == nil {
		return learner.Entry{}, false
	}
	return learner.Entry{
		Reading:  *r.Reading,
		Verdict:  r.Verdict(),
		Operator: r.Operator,
		Notes:    r.Notes,
		Time:     r.Timestamp,
	}, true
}

// row is the table layout.
type row struct {
	ID            string          `db:"id"`
	Timestamp     int64           `db:"timestamp"`
	ReadingID     string          `db:"reading_id"`
	OriginalLabel string          `db:"original_label"`
	CorrectLabel  string          `db:"correct_label"`
	Confidence    sql.NullFloat64 `db:"confidence"`
	ReadingJSON   sql.NullString  `db:"reading_json"`
	Operator      sql.NullString  `db:"operator"`
	Notes         sql.NullString  `db:"notes"`
}

func (r row) record() (Record, error) {
	rec := Record{
		ID:        r.ID,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Input: Input{
			ReadingID:     r.ReadingID,
			OriginalLabel: Label(r.OriginalLabel),
			CorrectLabel:  Label(r.CorrectLabel),
			Operator:      r.Operator.String,
			Notes:         r.Notes.String,
		},
	}
	if r.Confidence.Valid {
		c := r.Confidence.Float64
		rec.Confidence = &c
	}
	if r.ReadingJSON.Valid && r.ReadingJSON.String != "" {
		var reading telemetry.Reading
		if err := json.Unmarshal([]byte(r.ReadingJSON.String), &reading); err != nil {
			return Record{}, fmt.Errorf("decode reading for feedback %s: %w", r.ID, err)
		}
		rec.Reading = &reading
	}
	return rec, nil
}

// Store is the feedback table.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("feedback database path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and each :memory:
	// connection would otherwise see its own database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	for _, m := range []string{migrationFeedback, migrationIndexes} {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    reading_id TEXT NOT NULL,
    original_label TEXT NOT NULL CHECK (original_label IN ('anomaly', 'normal')),
    correct_label TEXT NOT NULL CHECK (correct_label IN ('anomaly', 'normal')),
    confidence REAL,
    reading_json TEXT,
    operator TEXT,
    notes TEXT
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON feedback(timestamp);
CREATE INDEX IF NOT EXISTS idx_feedback_correct_label ON feedback(correct_label);
`

// Append validates in and stores it with a fresh id and timestamp.
func (s *Store) Append(ctx context.Context, in Input) (Record, error) {
	if in.ReadingID == "" {
		return Record{}, fmt.Errorf("%w: reading_id is required", ErrInvalid)
	}
	if !in.OriginalLabel.valid() || !in.CorrectLabel.valid() {
		return Record{}, fmt.Errorf("%w: labels must be %q or %q", ErrInvalid, LabelAnomaly, LabelNormal)
	}

	rec := Record{ID: uuid.NewString(), Timestamp: s.now().UTC().Truncate(time.Millisecond), Input: in}
	r := row{
		ID:            rec.ID,
		Timestamp:     rec.Timestamp.UnixMilli(),
		ReadingID:     in.ReadingID,
		OriginalLabel: string(in.OriginalLabel),
		CorrectLabel:  string(in.CorrectLabel),
		Operator:      sql.NullString{String: in.Operator, Valid: in.Operator != ""},
		Notes:         sql.NullString{String: in.Notes, Valid: in.Notes != ""},
	}
	if in.Confidence != nil {
		r.Confidence = sql.NullFloat64{Float64: *in.Confidence, Valid: true}
	}
	if in.Reading != nil {
		b, err := json.Marshal(in.Reading)
		if err != nil {
			return Record{}, fmt.Errorf("encode reading: %w", err)
		}
		r.ReadingJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO feedback (
			id, timestamp, reading_id, original_label, correct_label,
			confidence, reading_json, operator, notes
		) VALUES (
			:id, :timestamp, :reading_id, :original_label, :correct_label,
			:confidence, :reading_json, :operator, :notes
		)`, r)
	if err != nil {
		return Record{}, fmt.Errorf("insert feedback: %w", err)
	}
	return rec, nil
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	CorrectLabel Label
	// MaxConfidence keeps records whose confidence is below it; a missing
	// confidence counts as 1.
	MaxConfidence *float64
	Since         time.Time
	Until         time.Time
	// Limit keeps the most recent records.
	Limit int
}

// List returns matching records, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []interface{}
	if f.CorrectLabel != "" {
		where = append(where, "correct_label = ?")
		args = append(args, string(f.CorrectLabel))
	}
	if f.MaxConfidence != nil {
		where = append(where, "COALESCE(confidence, 1.0) < ?")
		args = append(args, *f.MaxConfidence)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	query := `SELECT id, timestamp, reading_id, original_label, correct_label,
	          confidence, reading_json, operator, notes FROM feedback`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// rowid breaks ties between records written in the same millisecond.
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = rec
	}
	return out, nil
}

// Stats is the confusion matrix over every stored record.
type Stats struct {
	Total int `json:"total"`
	learner.Metrics
}

// Stats computes classifier quality from all stored feedback.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var groups []struct {
		Original string `db:"original_label"`
		Correct  string `db:"correct_label"`
		N        int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &groups, `
		SELECT original_label, correct_label, COUNT(*) AS n
		FROM feedback GROUP BY original_label, correct_label`)
	if err != nil {
		return Stats{}, fmt.Errorf("feedback stats: %w", err)
	}

	var c learner.Counts
	total := 0
	for _, g := range groups {
		total += g.N
		switch learner.VerdictFor(g.Original == string(LabelAnomaly), g.Correct == string(LabelAnomaly)) {
		case learner.TruePositive:
			c.TruePositives += g.N
		case learner.FalsePositive:
			c.FalsePositives += g.N
		case learner.FalseNegative:
			c.FalseNegatives += g.N
		case learner.TrueNegative:
			c.TrueNegatives += g.N
		}
	}
	return Stats{Total: total, Metrics: learner.Compute(c)}, nil
}
