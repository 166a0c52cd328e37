package models

import "time"

// AssessmentStatus is the persisted lifecycle state of an assessment.
// The third logical state, "absent", is derived: no row exists for the item.
type AssessmentStatus string

const (
	StatusInProgress AssessmentStatus = "in_progress"
	StatusFinalized  AssessmentStatus = "finalized"
)

// Assessment is one attempt at rating a catalog item. Per item code at most
// one finalized and one in-progress assessment exist at a time.
type Assessment struct {
	ID             string           `json:"id"`
	ItemCode       string           `json:"item_code"`
	GroupingKey    string           `json:"grouping_key"`
	DisplayName    string           `json:"display_name"`
	Status         AssessmentStatus `json:"status"`
	Tags           []string         `json:"tags,omitempty"`
	CatalogVersion string           `json:"catalog_version,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	FinalizedAt    *time.Time       `json:"finalized_at,omitempty"`
	Score          *float64         `json:"score,omitempty"`
}

// Rating is the answer to one question of one assessment. Uniqueness on
// (AssessmentID, QuestionIndex) is enforced by the store.
type Rating struct {
	ID             string    `json:"id"`
	AssessmentID   string    `json:"assessment_id"`
	QuestionIndex  int       `json:"question_index"`
	Level          *int      `json:"level,omitempty"`
	PreviousLevel  *int      `json:"previous_level,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CarriedForward bool      `json:"carried_forward,omitempty"`
	AttachmentIDs  []string  `json:"attachment_ids,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SnapshotRating is one answered question preserved inside a history entry.
type SnapshotRating struct {
	QuestionIndex int      `json:"question_index"`
	Level         int      `json:"level"`
	Notes         string   `json:"notes,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// HistorySnapshot is an immutable record of a previously finalized state.
// It is created when that state is about to be overwritten (edit, finalize
// displacement, older-import ingestion) and never mutated afterwards.
type HistorySnapshot struct {
	ID             string           `json:"id"`
	ItemCode       string           `json:"item_code"`
	SnapshotDate   time.Time        `json:"snapshot_date"`
	Tags           []string         `json:"tags,omitempty"`
	Score          float64          `json:"score"`
	Ratings        []SnapshotRating `json:"ratings"`
	CatalogVersion string           `json:"catalog_version,omitempty"`
}

// TagEntry is one row of the frequency-ranked tag vocabulary.
type TagEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UsageCount int       `json:"usage_count"`
	LastUsed   time.Time `json:"last_used"`
}

// Attachment is metadata for a file attached to a rating. The bytes live in
// the blob store under BlobRef; the attachment is owned by its rating and is
// removed when the owning assessment is deleted.
type Attachment struct {
	ID           string    `json:"id"`
	AssessmentID string    `json:"assessment_id"`
	RatingID     string    `json:"rating_id"`
	FileName     string    `json:"file_name"`
	FileType     string    `json:"file_type,omitempty"`
	FileSize     int64     `json:"file_size"`
	BlobRef      string    `json:"blob_ref"`
	Description  string    `json:"description,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}
