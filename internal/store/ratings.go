package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maturion/maturion/internal/models"
)

const ratingCols = `id, assessment_id, question_index, level, previous_level,
	notes, carried_forward, attachment_ids, updated_at`

func (s *SQLiteStore) scanRating(row rowScanner) (*models.Rating, error) {
	var (
		r        models.Rating
		level    sql.NullInt64
		prev     sql.NullInt64
		carried  int64
		attached sql.NullString
	)
	err := row.Scan(&r.ID, &r.AssessmentID, &r.QuestionIndex, &level, &prev,
		&r.Notes, &carried, &attached, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan rating: %w", err)
	}
	r.Level = fromNullInt(level)
	r.PreviousLevel = fromNullInt(prev)
	r.CarriedForward = carried != 0
	r.AttachmentIDs = s.decodeStrings(attached)
	return &r, nil
}

func insertRatingTx(tx *sql.Tx, r *models.Rating) error {
	attached, err := encodeStrings(r.AttachmentIDs)
	if err != nil {
		return fmt.Errorf("encode attachment ids: %w", err)
	}
	carried := int64(0)
	if r.CarriedForward {
		carried = 1
	}
	_, err = tx.Exec(`INSERT INTO ratings (`+ratingCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AssessmentID, r.QuestionIndex, toNullInt(r.Level),
		toNullInt(r.PreviousLevel), r.Notes, carried, attached, r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func deleteRatingsTx(tx *sql.Tx, assessmentID string) error {
	if _, err := tx.Exec(`DELETE FROM ratings WHERE assessment_id = ?`, assessmentID); err != nil {
		return fmt.Errorf("delete ratings: %w", err)
	}
	return nil
}

// UpsertRating inserts or updates the rating for (assessment, question) and
// touches the owning assessment's updated_at, all in one transaction. The
// compound unique index makes the check-then-write race-safe: a concurrent
// second call lands on the conflict branch and updates the same row. The
// stored rating id is returned; on conflict it is the pre-existing one.
// Updates keep previous_level and attachment_ids and clear carried_forward.
func (s *SQLiteStore) UpsertRating(r *models.Rating) (string, error) {
	var id string
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO ratings
			(id, assessment_id, question_index, level, previous_level, notes, carried_forward, attachment_ids, updated_at)
			VALUES (?, ?, ?, ?, NULL, ?, 0, NULL, ?)
			ON CONFLICT(assessment_id, question_index) DO UPDATE SET
				level = excluded.level,
				notes = excluded.notes,
				carried_forward = 0,
				updated_at = excluded.updated_at`,
			r.ID, r.AssessmentID, r.QuestionIndex, toNullInt(r.Level), r.Notes, r.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert rating: %w", err)
		}
		row := tx.QueryRow(`SELECT id FROM ratings WHERE assessment_id = ? AND question_index = ?`,
			r.AssessmentID, r.QuestionIndex)
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("resolve rating id: %w", err)
		}
		res, err := tx.Exec(`UPDATE assessments SET updated_at = ? WHERE id = ?`,
			r.UpdatedAt.UTC(), r.AssessmentID)
		if err != nil {
			return fmt.Errorf("touch assessment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("touch assessment %s: %w", r.AssessmentID, sql.ErrNoRows)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetRating returns the rating for one question of one assessment.
func (s *SQLiteStore) GetRating(assessmentID string, questionIndex int) (*models.Rating, error) {
	row := s.db.QueryRow(`SELECT `+ratingCols+` FROM ratings
		WHERE assessment_id = ? AND question_index = ?`, assessmentID, questionIndex)
	return s.scanRating(row)
}

// GetRatingByID returns a rating by primary key.
func (s *SQLiteStore) GetRatingByID(id string) (*models.Rating, error) {
	row := s.db.QueryRow(`SELECT `+ratingCols+` FROM ratings WHERE id = ?`, id)
	return s.scanRating(row)
}

// ListRatingsByAssessment returns an assessment's ratings ordered by question.
func (s *SQLiteStore) ListRatingsByAssessment(assessmentID string) ([]*models.Rating, error) {
	rows, err := s.db.Query(`SELECT `+ratingCols+` FROM ratings
		WHERE assessment_id = ? ORDER BY question_index`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*models.Rating{}
	for rows.Next() {
		r, err := s.scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ratings: %w", err)
	}
	return out, nil
}

// SetRatingAttachments rewrites a rating's attachment-id set. Callers are
// expected to serialize the read-modify-write through AppendAttachment /
// DeleteAttachment; this method exists for repair paths.
func (s *SQLiteStore) SetRatingAttachments(ratingID string, ids []string, updatedAt time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		return setRatingAttachmentsTx(tx, ratingID, ids, updatedAt)
	})
}

func setRatingAttachmentsTx(tx *sql.Tx, ratingID string, ids []string, updatedAt time.Time) error {
	attached, err := encodeStrings(ids)
	if err != nil {
		return fmt.Errorf("encode attachment ids: %w", err)
	}
	res, err := tx.Exec(`UPDATE ratings SET attachment_ids = ?, updated_at = ? WHERE id = ?`,
		attached, updatedAt.UTC(), ratingID)
	if err != nil {
		return fmt.Errorf("update rating attachments: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rating %s: %w", ratingID, sql.ErrNoRows)
	}
	return nil
}
