package services

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maturion/maturion/internal/catalog"
	"github.com/maturion/maturion/internal/models"
)

// LifecycleStore abstracts the persistence operations the lifecycle engine
// needs. Each Apply* call is one atomic transaction.
type LifecycleStore interface {
	GetAssessment(id string) (*models.Assessment, error)
	GetAssessmentByItemAndStatus(code string, status models.AssessmentStatus) (*models.Assessment, error)
	InsertAssessment(a *models.Assessment) error
	UpdateAssessment(a *models.Assessment) error
	UpsertRating(r *models.Rating) (string, error)
	ListRatingsByAssessment(id string) ([]*models.Rating, error)
	LatestHistoryByItem(code string) (*models.HistorySnapshot, error)
	ApplyFinalize(a *models.Assessment, displacedID string, snap *models.HistorySnapshot) error
	ApplyEdit(a *models.Assessment, snap *models.HistorySnapshot) error
	ApplyRevert(a *models.Assessment, ratings []*models.Rating, consumedHistoryID string) error
	DeleteAssessmentCascade(id string) error
	ListAttachmentsByAssessment(id string) ([]*models.Attachment, error)
	ApplyTagUpdate(a *models.Assessment) error
}

// ItemCatalog is the read-only reference catalog consumed by the engine.
type ItemCatalog interface {
	ByCode(code string) *catalog.Item
	Version() string
}

// LifecycleService owns the per-item assessment state machine: absent →
// in_progress → finalized, with edit and revert transitions between the
// latter two.
type LifecycleService struct {
	store   LifecycleStore
	catalog ItemCatalog
	now     func() time.Time
	idGen   func() string
}

func NewLifecycleService(store LifecycleStore, cat ItemCatalog) *LifecycleService {
	return &LifecycleService{
		store:   store,
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
		idGen:   uuid.NewString,
	}
}

// Start creates a new in-progress assessment for an item. When one already
// exists it is returned unchanged, which keeps the one-in-progress-per-item
// invariant and lets callers resume instead of erroring.
func (s *LifecycleService) Start(itemCode string, initialTags []string) (*models.Assessment, error) {
	item := s.catalog.ByCode(itemCode)
	if item == nil {
		return nil, NewNotFoundError("unknown item code: " + itemCode)
	}
	existing, err := s.store.GetAssessmentByItemAndStatus(itemCode, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	now := s.now()
	a := &models.Assessment{
		ID:             s.idGen(),
		ItemCode:       item.Code,
		GroupingKey:    item.GroupingKey,
		DisplayName:    item.DisplayName,
		Status:         models.StatusInProgress,
		Tags:           normalizeTags(initialTags),
		CatalogVersion: s.catalog.Version(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertAssessment(a); err != nil {
		return nil, err
	}
	return a, nil
}

// SaveRating upserts the answer for one question and touches the owning
// assessment, atomically. A nil level clears the answer. The stored rating
// id is returned so attachment upload can target a rating it may have just
// caused to exist.
func (s *LifecycleService) SaveRating(assessmentID string, questionIndex int, level *int, notes string) (string, error) {
	if questionIndex < 0 {
		return "", NewInvalidError("question index must be >= 0")
	}
	if level != nil && (*level < 1 || *level > 5) {
		return "", NewInvalidError("level must be between 1 and 5")
	}
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", NewNotFoundError("assessment not found: " + assessmentID)
	}
	r := &models.Rating{
		ID:            s.idGen(),
		AssessmentID:  assessmentID,
		QuestionIndex: questionIndex,
		Level:         level,
		Notes:         notes,
		UpdatedAt:     s.now(),
	}
	return s.store.UpsertRating(r)
}

// Finalize locks an assessment and computes its score as the mean of the
// answered levels, rounded to one decimal. A previously finalized
// assessment for the same item is snapshotted (when it has a score) and
// deleted, and the tag usage ledger is bumped, all in the same transaction.
// No completeness threshold applies.
func (s *LifecycleService) Finalize(assessmentID string) (*models.Assessment, error) {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assessment not found: " + assessmentID)
	}
	ratings, err := s.store.ListRatingsByAssessment(assessmentID)
	if err != nil {
		return nil, err
	}

	var displacedID string
	var snap *models.HistorySnapshot
	displaced, err := s.store.GetAssessmentByItemAndStatus(a.ItemCode, models.StatusFinalized)
	if err != nil {
		return nil, err
	}
	if displaced != nil && displaced.ID != a.ID {
		displacedID = displaced.ID
		if displaced.Score != nil {
			displacedRatings, err := s.store.ListRatingsByAssessment(displaced.ID)
			if err != nil {
				return nil, err
			}
			snap = s.snapshotOf(displaced, displacedRatings)
		}
	}

	now := s.now()
	a.Status = models.StatusFinalized
	a.Score = scoreOf(ratings)
	a.FinalizedAt = &now
	a.UpdatedAt = now
	if err := s.store.ApplyFinalize(a, displacedID, snap); err != nil {
		return nil, err
	}
	return a, nil
}

// EditAssessment reopens a finalized assessment. The finalized state is
// preserved as a history snapshot (when scored), every answered level moves
// to the previous-level carry-forward hint, and the live levels are cleared
// so each answer must be re-confirmed.
func (s *LifecycleService) EditAssessment(assessmentID string) (*models.Assessment, error) {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assessment not found: " + assessmentID)
	}
	if a.Status == models.StatusInProgress {
		return a, nil
	}
	var snap *models.HistorySnapshot
	if a.Score != nil {
		ratings, err := s.store.ListRatingsByAssessment(assessmentID)
		if err != nil {
			return nil, err
		}
		snap = s.snapshotOf(a, ratings)
	}
	a.Status = models.StatusInProgress
	a.UpdatedAt = s.now()
	if err := s.store.ApplyEdit(a, snap); err != nil {
		return nil, err
	}
	return a, nil
}

// RevertEdit undoes EditAssessment: the newest history entry for the item is
// consumed and its ratings, tags, score and finalization date are restored.
// This is a true undo, not a second snapshot. Without a history entry it
// degrades to restoring the finalized status only.
func (s *LifecycleService) RevertEdit(assessmentID string) (*models.Assessment, error) {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assessment not found: " + assessmentID)
	}
	snap, err := s.store.LatestHistoryByItem(a.ItemCode)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if snap == nil {
		a.Status = models.StatusFinalized
		a.UpdatedAt = now
		if err := s.store.UpdateAssessment(a); err != nil {
			return nil, err
		}
		return a, nil
	}
	restored := make([]*models.Rating, 0, len(snap.Ratings))
	for _, sr := range snap.Ratings {
		level := sr.Level
		restored = append(restored, &models.Rating{
			ID:            s.idGen(),
			AssessmentID:  a.ID,
			QuestionIndex: sr.QuestionIndex,
			Level:         &level,
			Notes:         sr.Notes,
			AttachmentIDs: sr.AttachmentIDs,
			UpdatedAt:     now,
		})
	}
	score := snap.Score
	snapDate := snap.SnapshotDate
	a.Status = models.StatusFinalized
	a.Tags = snap.Tags
	a.Score = &score
	a.FinalizedAt = &snapDate
	a.UpdatedAt = now
	if err := s.store.ApplyRevert(a, restored, snap.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// DiscardAssessment deletes an in-progress assessment that was never
// finalized, together with its ratings.
func (s *LifecycleService) DiscardAssessment(assessmentID string) error {
	return s.Delete(assessmentID)
}

// Delete removes an assessment and its ratings regardless of status and
// reports the blob refs of attachments that went with it, so the caller can
// clean up the blob store.
func (s *LifecycleService) Delete(assessmentID string) error {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return err
	}
	if a == nil {
		return NewNotFoundError("assessment not found: " + assessmentID)
	}
	return s.store.DeleteAssessmentCascade(assessmentID)
}

// OrphanedBlobRefs lists blob refs whose metadata would be removed by
// deleting the assessment. Callers delete the blobs after Delete succeeds.
func (s *LifecycleService) OrphanedBlobRefs(assessmentID string) ([]string, error) {
	atts, err := s.store.ListAttachmentsByAssessment(assessmentID)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(atts))
	for _, att := range atts {
		refs = append(refs, att.BlobRef)
	}
	return refs, nil
}

// UpdateTags replaces the tag set, bumps the assessment's updated_at and
// increments the ledger usage count for every tag in the new set, atomically.
func (s *LifecycleService) UpdateTags(assessmentID string, tags []string) (*models.Assessment, error) {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assessment not found: " + assessmentID)
	}
	a.Tags = normalizeTags(tags)
	a.UpdatedAt = s.now()
	if err := s.store.ApplyTagUpdate(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns an assessment with its ratings.
func (s *LifecycleService) Get(assessmentID string) (*models.Assessment, []*models.Rating, error) {
	a, err := s.store.GetAssessment(assessmentID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, NewNotFoundError("assessment not found: " + assessmentID)
	}
	ratings, err := s.store.ListRatingsByAssessment(assessmentID)
	if err != nil {
		return nil, nil, err
	}
	return a, ratings, nil
}

func (s *LifecycleService) snapshotOf(a *models.Assessment, ratings []*models.Rating) *models.HistorySnapshot {
	date := a.UpdatedAt
	if a.FinalizedAt != nil {
		date = *a.FinalizedAt
	}
	score := 0.0
	if a.Score != nil {
		score = *a.Score
	}
	return &models.HistorySnapshot{
		ID:             s.idGen(),
		ItemCode:       a.ItemCode,
		SnapshotDate:   date,
		Tags:           a.Tags,
		Score:          score,
		Ratings:        answeredRatings(ratings),
		CatalogVersion: a.CatalogVersion,
	}
}

func answeredRatings(ratings []*models.Rating) []models.SnapshotRating {
	out := []models.SnapshotRating{}
	for _, r := range ratings {
		if r.Level == nil {
			continue
		}
		out = append(out, models.SnapshotRating{
			QuestionIndex: r.QuestionIndex,
			Level:         *r.Level,
			Notes:         r.Notes,
			AttachmentIDs: r.AttachmentIDs,
		})
	}
	return out
}

// scoreOf averages the answered levels, rounded to one decimal. Nil when no
// question is answered.
func scoreOf(ratings []*models.Rating) *float64 {
	sum, n := 0, 0
	for _, r := range ratings {
		if r.Level == nil {
			continue
		}
		sum += *r.Level
		n++
	}
	if n == 0 {
		return nil
	}
	score := math.Round(float64(sum)/float64(n)*10) / 10
	return &score
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
