// Package store persists assessments, ratings, history snapshots, tags and
// attachment metadata in a local SQLite database. It is the only writer of
// persisted state; the lifecycle and import services drive it.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS assessments (
	id TEXT PRIMARY KEY,
	item_code TEXT NOT NULL,
	grouping_key TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	tags TEXT,
	catalog_version TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	finalized_at TIMESTAMP,
	score REAL
);
CREATE INDEX IF NOT EXISTS idx_assessments_item ON assessments(item_code);
CREATE INDEX IF NOT EXISTS idx_assessments_status ON assessments(status);
CREATE INDEX IF NOT EXISTS idx_assessments_updated ON assessments(updated_at);

CREATE TABLE IF NOT EXISTS ratings (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
	question_index INTEGER NOT NULL,
	level INTEGER,
	previous_level INTEGER,
	notes TEXT NOT NULL DEFAULT '',
	carried_forward INTEGER NOT NULL DEFAULT 0,
	attachment_ids TEXT,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(assessment_id, question_index)
);
CREATE INDEX IF NOT EXISTS idx_ratings_assessment ON ratings(assessment_id);

CREATE TABLE IF NOT EXISTS history_snapshots (
	id TEXT PRIMARY KEY,
	item_code TEXT NOT NULL,
	snapshot_date TIMESTAMP NOT NULL,
	tags TEXT,
	score REAL NOT NULL,
	ratings TEXT NOT NULL,
	catalog_version TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_item ON history_snapshots(item_code);
CREATE INDEX IF NOT EXISTS idx_history_date ON history_snapshots(snapshot_date);

CREATE TABLE IF NOT EXISTS tag_entries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tags_usage ON tag_entries(usage_count);
CREATE INDEX IF NOT EXISTS idx_tags_last_used ON tag_entries(last_used);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	rating_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_type TEXT,
	file_size INTEGER NOT NULL DEFAULT 0,
	blob_ref TEXT NOT NULL,
	description TEXT,
	uploaded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_assessment ON attachments(assessment_id);
CREATE INDEX IF NOT EXISTS idx_attachments_rating ON attachments(rating_id);
CREATE INDEX IF NOT EXISTS idx_attachments_uploaded ON attachments(uploaded_at);
`

// SQLiteStore is the sqlite-backed assessment store.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema and pragmas.
func Open(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewSQLiteStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

// NewSQLiteStore wraps an already-open database handle.
func NewSQLiteStore(db *sql.DB, log *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("nil db")
	}
	if log == nil {
		log = zap.NewNop()
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- column helpers ---

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func toNullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func fromNullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func toNullTime(p *time.Time) sql.NullTime {
	if p == nil || p.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func encodeStrings(list []string) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLiteStore) decodeStrings(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		s.log.Warn("decode string list", zap.Error(err))
		return nil
	}
	return out
}

func encodeSnapshotRatings(list []models.SnapshotRating) (string, error) {
	if list == nil {
		list = []models.SnapshotRating{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) decodeSnapshotRatings(raw string) []models.SnapshotRating {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []models.SnapshotRating
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log.Warn("decode snapshot ratings", zap.Error(err))
		return nil
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}
