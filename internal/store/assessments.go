package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/maturion/maturion/internal/models"
)

const assessmentCols = `id, item_code, grouping_key, display_name, status, tags,
	catalog_version, created_at, updated_at, finalized_at, score`

func (s *SQLiteStore) scanAssessment(row rowScanner) (*models.Assessment, error) {
	var (
		a           models.Assessment
		status      string
		tags        sql.NullString
		catVersion  sql.NullString
		finalizedAt sql.NullTime
		score       sql.NullFloat64
	)
	err := row.Scan(&a.ID, &a.ItemCode, &a.GroupingKey, &a.DisplayName, &status,
		&tags, &catVersion, &a.CreatedAt, &a.UpdatedAt, &finalizedAt, &score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan assessment: %w", err)
	}
	a.Status = models.AssessmentStatus(status)
	a.Tags = s.decodeStrings(tags)
	a.CatalogVersion = catVersion.String
	a.FinalizedAt = fromNullTime(finalizedAt)
	a.Score = fromNullFloat(score)
	return &a, nil
}

func insertAssessmentTx(tx *sql.Tx, a *models.Assessment) error {
	tags, err := encodeStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO assessments (`+assessmentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ItemCode, a.GroupingKey, a.DisplayName, string(a.Status), tags,
		toNullString(a.CatalogVersion), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
		toNullTime(a.FinalizedAt), toNullFloat(a.Score))
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

func updateAssessmentTx(tx *sql.Tx, a *models.Assessment) error {
	tags, err := encodeStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	res, err := tx.Exec(`UPDATE assessments SET status = ?, tags = ?,
		catalog_version = ?, updated_at = ?, finalized_at = ?, score = ?
		WHERE id = ?`,
		string(a.Status), tags, toNullString(a.CatalogVersion),
		a.UpdatedAt.UTC(), toNullTime(a.FinalizedAt), toNullFloat(a.Score), a.ID)
	if err != nil {
		return fmt.Errorf("update assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update assessment %s: %w", a.ID, sql.ErrNoRows)
	}
	return nil
}

// InsertAssessment stores a new assessment row.
func (s *SQLiteStore) InsertAssessment(a *models.Assessment) error {
	return s.withTx(func(tx *sql.Tx) error { return insertAssessmentTx(tx, a) })
}

// UpdateAssessment rewrites the mutable fields of an existing assessment.
func (s *SQLiteStore) UpdateAssessment(a *models.Assessment) error {
	return s.withTx(func(tx *sql.Tx) error { return updateAssessmentTx(tx, a) })
}

// GetAssessment returns the assessment with id, or nil when absent.
func (s *SQLiteStore) GetAssessment(id string) (*models.Assessment, error) {
	row := s.db.QueryRow(`SELECT `+assessmentCols+` FROM assessments WHERE id = ?`, id)
	return s.scanAssessment(row)
}

// GetAssessmentByItemAndStatus returns the assessment for an item code in a
// given status. The store invariant guarantees at most one such row.
func (s *SQLiteStore) GetAssessmentByItemAndStatus(code string, status models.AssessmentStatus) (*models.Assessment, error) {
	row := s.db.QueryRow(`SELECT `+assessmentCols+` FROM assessments
		WHERE item_code = ? AND status = ? LIMIT 1`, code, string(status))
	return s.scanAssessment(row)
}

// LatestAssessmentByItem returns the most recently updated assessment for an
// item code, or nil when the item has never been assessed.
func (s *SQLiteStore) LatestAssessmentByItem(code string) (*models.Assessment, error) {
	row := s.db.QueryRow(`SELECT `+assessmentCols+` FROM assessments
		WHERE item_code = ? ORDER BY updated_at DESC LIMIT 1`, code)
	return s.scanAssessment(row)
}

func (s *SQLiteStore) queryAssessments(query string, args ...any) ([]*models.Assessment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*models.Assessment{}
	for rows.Next() {
		a, err := s.scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return out, nil
}

// ListAssessments returns every assessment ordered by item code.
func (s *SQLiteStore) ListAssessments() ([]*models.Assessment, error) {
	return s.queryAssessments(`SELECT ` + assessmentCols + ` FROM assessments ORDER BY item_code, updated_at`)
}

// ListAssessmentsByGrouping returns assessments for one grouping key.
func (s *SQLiteStore) ListAssessmentsByGrouping(key string) ([]*models.Assessment, error) {
	return s.queryAssessments(`SELECT `+assessmentCols+` FROM assessments
		WHERE grouping_key = ? ORDER BY item_code, updated_at`, key)
}

// ListAssessmentsByItem returns assessments for one item code.
func (s *SQLiteStore) ListAssessmentsByItem(code string) ([]*models.Assessment, error) {
	return s.queryAssessments(`SELECT `+assessmentCols+` FROM assessments
		WHERE item_code = ? ORDER BY updated_at`, code)
}
