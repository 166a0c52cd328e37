package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maturion/maturion/internal/models"
)

// --- history snapshots ---

const historyCols = `id, item_code, snapshot_date, tags, score, ratings, catalog_version`

func insertHistoryTx(tx *sql.Tx, h *models.HistorySnapshot) error {
	tags, err := encodeStrings(h.Tags)
	if err != nil {
		return fmt.Errorf("encode snapshot tags: %w", err)
	}
	ratings, err := encodeSnapshotRatings(h.Ratings)
	if err != nil {
		return fmt.Errorf("encode snapshot ratings: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO history_snapshots (`+historyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ItemCode, h.SnapshotDate.UTC(), tags, h.Score, ratings,
		toNullString(h.CatalogVersion))
	if err != nil {
		return fmt.Errorf("insert history snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanHistory(row rowScanner) (*models.HistorySnapshot, error) {
	var (
		h          models.HistorySnapshot
		tags       sql.NullString
		ratings    string
		catVersion sql.NullString
	)
	err := row.Scan(&h.ID, &h.ItemCode, &h.SnapshotDate, &tags, &h.Score, &ratings, &catVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan history snapshot: %w", err)
	}
	h.Tags = s.decodeStrings(tags)
	h.Ratings = s.decodeSnapshotRatings(ratings)
	h.CatalogVersion = catVersion.String
	return &h, nil
}

// InsertHistory stores a snapshot record.
func (s *SQLiteStore) InsertHistory(h *models.HistorySnapshot) error {
	return s.withTx(func(tx *sql.Tx) error { return insertHistoryTx(tx, h) })
}

// GetHistory returns a snapshot by id, or nil when absent.
func (s *SQLiteStore) GetHistory(id string) (*models.HistorySnapshot, error) {
	row := s.db.QueryRow(`SELECT `+historyCols+` FROM history_snapshots WHERE id = ?`, id)
	return s.scanHistory(row)
}

// ListHistoryByItem returns an item's snapshots, newest first.
func (s *SQLiteStore) ListHistoryByItem(code string) ([]*models.HistorySnapshot, error) {
	rows, err := s.db.Query(`SELECT `+historyCols+` FROM history_snapshots
		WHERE item_code = ? ORDER BY snapshot_date DESC`, code)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*models.HistorySnapshot{}
	for rows.Next() {
		h, err := s.scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// LatestHistoryByItem returns the newest snapshot for an item, or nil.
func (s *SQLiteStore) LatestHistoryByItem(code string) (*models.HistorySnapshot, error) {
	row := s.db.QueryRow(`SELECT `+historyCols+` FROM history_snapshots
		WHERE item_code = ? ORDER BY snapshot_date DESC LIMIT 1`, code)
	return s.scanHistory(row)
}

// DeleteHistory removes one snapshot. sql.ErrNoRows signals an unknown id.
func (s *SQLiteStore) DeleteHistory(id string) error {
	res, err := s.db.Exec(`DELETE FROM history_snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history snapshot %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ClearHistoryByItem removes all snapshots of one item.
func (s *SQLiteStore) ClearHistoryByItem(code string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM history_snapshots WHERE item_code = ?`, code)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- tag ledger ---

// IncrementTagUsage bumps (creating if absent) the usage counter for a tag
// name and stamps last_used. ApplyFinalize and ApplyTagUpdate run the same
// statement inside their own transactions.
func (s *SQLiteStore) IncrementTagUsage(name string, usedAt time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		return incrementTagUsageTx(tx, name, usedAt)
	})
}

func incrementTagUsageTx(tx *sql.Tx, name string, usedAt time.Time) error {
	_, err := tx.Exec(`INSERT INTO tag_entries (id, name, usage_count, last_used)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			usage_count = usage_count + 1,
			last_used = excluded.last_used`,
		uuid.NewString(), name, usedAt.UTC())
	if err != nil {
		return fmt.Errorf("increment tag usage: %w", err)
	}
	return nil
}

// InsertTagIfAbsent adds a vocabulary entry only when the name is new; an
// existing row keeps its usage count (import path semantics).
func (s *SQLiteStore) InsertTagIfAbsent(e *models.TagEntry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO tag_entries (id, name, usage_count, last_used)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		id, e.Name, e.UsageCount, e.LastUsed.UTC())
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

// GetTagByName returns the ledger entry for a tag name, or nil.
func (s *SQLiteStore) GetTagByName(name string) (*models.TagEntry, error) {
	row := s.db.QueryRow(`SELECT id, name, usage_count, last_used FROM tag_entries WHERE name = ?`, name)
	var e models.TagEntry
	if err := row.Scan(&e.ID, &e.Name, &e.UsageCount, &e.LastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &e, nil
}

// ListTags returns the vocabulary ranked by usage, most used first.
func (s *SQLiteStore) ListTags() ([]*models.TagEntry, error) {
	rows, err := s.db.Query(`SELECT id, name, usage_count, last_used FROM tag_entries
		ORDER BY usage_count DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*models.TagEntry{}
	for rows.Next() {
		var e models.TagEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.UsageCount, &e.LastUsed); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return out, nil
}

// --- attachments ---

const attachmentCols = `id, assessment_id, rating_id, file_name, file_type,
	file_size, blob_ref, description, uploaded_at`

func (s *SQLiteStore) scanAttachment(row rowScanner) (*models.Attachment, error) {
	var (
		a        models.Attachment
		fileType sql.NullString
		desc     sql.NullString
	)
	err := row.Scan(&a.ID, &a.AssessmentID, &a.RatingID, &a.FileName, &fileType,
		&a.FileSize, &a.BlobRef, &desc, &a.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	a.FileType = fileType.String
	a.Description = desc.String
	return &a, nil
}

// AppendAttachment stores attachment metadata and appends its id to the
// owning rating's attachment set in one transaction, so racing uploads on
// the same rating cannot lose an id.
func (s *SQLiteStore) AppendAttachment(att *models.Attachment) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO attachments (`+attachmentCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			att.ID, att.AssessmentID, att.RatingID, att.FileName,
			toNullString(att.FileType), att.FileSize, att.BlobRef,
			toNullString(att.Description), att.UploadedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		var attached sql.NullString
		row := tx.QueryRow(`SELECT attachment_ids FROM ratings WHERE id = ?`, att.RatingID)
		if err := row.Scan(&attached); err != nil {
			return fmt.Errorf("load rating attachments: %w", err)
		}
		ids := append(s.decodeStrings(attached), att.ID)
		return setRatingAttachmentsTx(tx, att.RatingID, ids, att.UploadedAt)
	})
}

// DeleteAttachment removes attachment metadata and detaches it from the
// owning rating in one transaction, stamping the rating with updatedAt.
func (s *SQLiteStore) DeleteAttachment(att *models.Attachment, updatedAt time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM attachments WHERE id = ?`, att.ID)
		if err != nil {
			return fmt.Errorf("delete attachment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("attachment %s: %w", att.ID, sql.ErrNoRows)
		}
		var attached sql.NullString
		row := tx.QueryRow(`SELECT attachment_ids FROM ratings WHERE id = ?`, att.RatingID)
		if err := row.Scan(&attached); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // rating already gone, nothing to detach
			}
			return fmt.Errorf("load rating attachments: %w", err)
		}
		kept := []string{}
		for _, id := range s.decodeStrings(attached) {
			if id != att.ID {
				kept = append(kept, id)
			}
		}
		return setRatingAttachmentsTx(tx, att.RatingID, kept, updatedAt)
	})
}

// GetAttachment returns attachment metadata by id, or nil.
func (s *SQLiteStore) GetAttachment(id string) (*models.Attachment, error) {
	row := s.db.QueryRow(`SELECT `+attachmentCols+` FROM attachments WHERE id = ?`, id)
	return s.scanAttachment(row)
}

// ListAttachmentsByAssessment returns an assessment's attachment metadata.
func (s *SQLiteStore) ListAttachmentsByAssessment(assessmentID string) ([]*models.Attachment, error) {
	rows, err := s.db.Query(`SELECT `+attachmentCols+` FROM attachments
		WHERE assessment_id = ? ORDER BY uploaded_at`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*models.Attachment{}
	for rows.Next() {
		a, err := s.scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}
