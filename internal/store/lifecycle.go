package store

import (
	"database/sql"
	"fmt"

	"github.com/maturion/maturion/internal/models"
)

// The methods in this file back the multi-row lifecycle transitions. Each
// one is a single transaction so that no engine operation partially applies.

// ApplyFinalize flips a to its finalized state. When a previously finalized
// assessment for the same item is being displaced, displacedID names it and
// snap (optional) is its history snapshot; the displaced row and its ratings
// are removed in the same transaction. The tag usage ledger is bumped for
// each of a's tags in the same transaction as well.
func (s *SQLiteStore) ApplyFinalize(a *models.Assessment, displacedID string, snap *models.HistorySnapshot) error {
	return s.withTx(func(tx *sql.Tx) error {
		if snap != nil {
			if err := insertHistoryTx(tx, snap); err != nil {
				return err
			}
		}
		if displacedID != "" {
			if err := deleteRatingsTx(tx, displacedID); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM attachments WHERE assessment_id = ?`, displacedID); err != nil {
				return fmt.Errorf("delete displaced attachments: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM assessments WHERE id = ?`, displacedID); err != nil {
				return fmt.Errorf("delete displaced assessment: %w", err)
			}
		}
		if err := updateAssessmentTx(tx, a); err != nil {
			return err
		}
		for _, tag := range a.Tags {
			if err := incrementTagUsageTx(tx, tag, a.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyTagUpdate persists an assessment whose tag set changed and bumps the
// usage ledger for every tag now on it, all in one transaction.
func (s *SQLiteStore) ApplyTagUpdate(a *models.Assessment) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := updateAssessmentTx(tx, a); err != nil {
			return err
		}
		for _, tag := range a.Tags {
			if err := incrementTagUsageTx(tx, tag, a.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyEdit reopens a finalized assessment: optionally records snap, then
// moves every answered level to previous_level as a carry-forward hint and
// clears the live level.
func (s *SQLiteStore) ApplyEdit(a *models.Assessment, snap *models.HistorySnapshot) error {
	return s.withTx(func(tx *sql.Tx) error {
		if snap != nil {
			if err := insertHistoryTx(tx, snap); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`UPDATE ratings SET previous_level = level, level = NULL,
			carried_forward = 1, updated_at = ?
			WHERE assessment_id = ? AND level IS NOT NULL`,
			a.UpdatedAt.UTC(), a.ID)
		if err != nil {
			return fmt.Errorf("carry forward ratings: %w", err)
		}
		return updateAssessmentTx(tx, a)
	})
}

// ApplyRevert undoes an edit: replaces the current ratings with the set
// rebuilt from a snapshot, restores the assessment fields and consumes the
// snapshot record.
func (s *SQLiteStore) ApplyRevert(a *models.Assessment, ratings []*models.Rating, consumedHistoryID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := deleteRatingsTx(tx, a.ID); err != nil {
			return err
		}
		for _, r := range ratings {
			if err := insertRatingTx(tx, r); err != nil {
				return err
			}
		}
		if err := updateAssessmentTx(tx, a); err != nil {
			return err
		}
		if consumedHistoryID != "" {
			if _, err := tx.Exec(`DELETE FROM history_snapshots WHERE id = ?`, consumedHistoryID); err != nil {
				return fmt.Errorf("consume history entry: %w", err)
			}
		}
		return nil
	})
}

// DeleteAssessmentCascade removes an assessment with its ratings and
// attachment metadata. Blob cleanup is the caller's concern.
func (s *SQLiteStore) DeleteAssessmentCascade(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := deleteRatingsTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM attachments WHERE assessment_id = ?`, id); err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM assessments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete assessment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("assessment %s: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// InsertAssessmentWithRatings stores a new assessment and its ratings as one
// unit. Used for incoming assessments with no local counterpart.
func (s *SQLiteStore) InsertAssessmentWithRatings(a *models.Assessment, ratings []*models.Rating) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := insertAssessmentTx(tx, a); err != nil {
			return err
		}
		for _, r := range ratings {
			if err := insertRatingTx(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceFromImport overwrites a local assessment with newer incoming state:
// optionally snapshots the displaced local state, drops the local ratings
// and installs the incoming ones under the unchanged local assessment id.
func (s *SQLiteStore) ReplaceFromImport(a *models.Assessment, ratings []*models.Rating, snap *models.HistorySnapshot) error {
	return s.withTx(func(tx *sql.Tx) error {
		if snap != nil {
			if err := insertHistoryTx(tx, snap); err != nil {
				return err
			}
		}
		if err := deleteRatingsTx(tx, a.ID); err != nil {
			return err
		}
		for _, r := range ratings {
			if err := insertRatingTx(tx, r); err != nil {
				return err
			}
		}
		return updateAssessmentTx(tx, a)
	})
}
