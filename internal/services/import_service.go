package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/blob"
	"github.com/maturion/maturion/internal/models"
)

// Default fuzzy-equality tolerances used to decide "identical" vs "newer"
// vs "older" during merge. Load-bearing business constants.
const (
	DefaultTimeTolerance  = 5 * time.Second
	DefaultScoreTolerance = 0.05
)

// ImportStore abstracts the persistence operations the reconciler needs.
type ImportStore interface {
	LatestAssessmentByItem(code string) (*models.Assessment, error)
	GetAssessmentByItemAndStatus(code string, status models.AssessmentStatus) (*models.Assessment, error)
	ListRatingsByAssessment(id string) ([]*models.Rating, error)
	InsertAssessmentWithRatings(a *models.Assessment, ratings []*models.Rating) error
	ReplaceFromImport(a *models.Assessment, ratings []*models.Rating, snap *models.HistorySnapshot) error
	ListHistoryByItem(code string) ([]*models.HistorySnapshot, error)
	GetHistory(id string) (*models.HistorySnapshot, error)
	InsertHistory(h *models.HistorySnapshot) error
	InsertTagIfAbsent(e *models.TagEntry) error
	GetAttachment(id string) (*models.Attachment, error)
	GetRating(assessmentID string, questionIndex int) (*models.Rating, error)
	AppendAttachment(att *models.Attachment) error
}

// ImportService validates an interchange document and merges it into the
// local store. The merge never silently drops data: older incoming state is
// archived to history, newer incoming state displaces current state but
// snapshots what it replaces.
//
// Tag ingestion here only inserts names that are absent and never bumps
// usage counts, unlike the finalize path which always increments. The
// asymmetry is inherited behavior; round-trip imports must not reshuffle
// the frequency ranking.
type ImportService struct {
	store    ImportStore
	blobs    blob.Store
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	idGen    func() string

	// TimeTolerance and ScoreTolerance bound the window within which an
	// incoming assessment (or history entry) counts as the same state.
	TimeTolerance  time.Duration
	ScoreTolerance float64
}

func NewImportService(store ImportStore, blobs blob.Store, log *zap.Logger) *ImportService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ImportService{
		store:          store,
		blobs:          blobs,
		log:            log,
		validate:       validator.New(),
		now:            func() time.Time { return time.Now().UTC() },
		idGen:          uuid.NewString,
		TimeTolerance:  DefaultTimeTolerance,
		ScoreTolerance: DefaultScoreTolerance,
	}
}

// Validate structurally checks a raw document: required top-level fields
// present and format version supported. Any failure short-circuits the
// whole import with a single validation error and zero writes.
func (s *ImportService) Validate(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, NewValidationError("malformed document: " + err.Error())
	}
	if err := s.validate.Struct(&doc); err != nil {
		return nil, NewValidationError("invalid document: " + err.Error())
	}
	if !supportedFormatVersions[doc.FormatVersion] {
		return nil, NewValidationError("unsupported format version: " + doc.FormatVersion)
	}
	return &doc, nil
}

// ImportJSON validates and merges a plain-form document.
func (s *ImportService) ImportJSON(ctx context.Context, raw []byte, progress ProgressFunc) (*MergeResult, error) {
	report(progress, 0, "validating document")
	doc, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}
	return s.Merge(ctx, doc, progress)
}

// Merge runs the per-assessment merge algorithm, then the global tag and
// history post-passes. Each item is its own transaction: a failure on one
// item is recorded and processing continues, and an interruption leaves
// every already-processed item fully applied.
func (s *ImportService) Merge(ctx context.Context, doc *Document, progress ProgressFunc) (*MergeResult, error) {
	result := &MergeResult{Errors: []string{}, Details: []MergeDetail{}}
	ratingsByAssessment := map[string][]*models.Rating{}
	for _, r := range doc.Data.Ratings {
		ratingsByAssessment[r.AssessmentID] = append(ratingsByAssessment[r.AssessmentID], r)
	}

	total := len(doc.Data.Assessments)
	for i, in := range doc.Data.Assessments {
		if err := checkCtx(ctx); err != nil {
			result.Success = len(result.Errors) == 0
			return result, err
		}
		report(progress, 5+scaled(i, total, 80), fmt.Sprintf("merging %s", in.ItemCode))
		action, reason, err := s.mergeAssessment(in, ratingsByAssessment[in.ID])
		if err != nil {
			action, reason = MergeError, err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", in.ItemCode, err))
		}
		switch action {
		case MergeImportedCurrent:
			result.ImportedAsCurrent++
		case MergeImportedHistory:
			result.ImportedAsHistory++
		case MergeSkipped:
			result.Skipped++
		}
		result.Details = append(result.Details, MergeDetail{
			ItemCode:    in.ItemCode,
			DisplayName: in.DisplayName,
			Action:      action,
			Reason:      reason,
		})
	}

	report(progress, 88, "merging tags")
	for _, tag := range doc.Data.Tags {
		if err := s.store.InsertTagIfAbsent(tag); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tag %s: %v", tag.Name, err))
		}
	}

	report(progress, 94, "merging history")
	for _, h := range doc.Data.History {
		existing, err := s.store.GetHistory(h.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("history %s: %v", h.ID, err))
			continue
		}
		if existing != nil {
			continue
		}
		if err := s.store.InsertHistory(h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("history %s: %v", h.ID, err))
		}
	}

	result.Success = len(result.Errors) == 0
	report(progress, 100, "import complete")
	return result, nil
}

// mergeAssessment reconciles one incoming assessment against local state.
func (s *ImportService) mergeAssessment(in *models.Assessment, inRatings []*models.Rating) (MergeAction, string, error) {
	local, err := s.store.LatestAssessmentByItem(in.ItemCode)
	if err != nil {
		return MergeError, "", err
	}

	if local == nil {
		fresh := s.rebindAssessment(in, s.idGen())
		fresh.CreatedAt = in.CreatedAt
		return MergeImportedCurrent, "new item",
			s.store.InsertAssessmentWithRatings(fresh, s.rebindRatings(inRatings, fresh.ID))
	}

	delta := absDuration(in.UpdatedAt.Sub(local.UpdatedAt))
	if delta <= s.TimeTolerance && scoresClose(in.Score, local.Score, s.ScoreTolerance) {
		return MergeSkipped, "identical", nil
	}

	if in.UpdatedAt.After(local.UpdatedAt) {
		// The store may hold both a finalized and a newer in-progress row
		// for the item. Overwriting whichever happens to be newest could
		// leave two rows with the same status, so the replace always
		// targets the row whose status matches the incoming one.
		target, err := s.store.GetAssessmentByItemAndStatus(in.ItemCode, in.Status)
		if err != nil {
			return MergeError, "", err
		}
		if target == nil {
			target = local
		}
		var snap *models.HistorySnapshot
		if target.Status == models.StatusFinalized && target.Score != nil {
			targetRatings, err := s.store.ListRatingsByAssessment(target.ID)
			if err != nil {
				return MergeError, "", err
			}
			snap = s.snapshotAssessment(target, answeredRatings(targetRatings))
		}
		replaced := s.rebindAssessment(in, target.ID)
		replaced.CreatedAt = target.CreatedAt
		return MergeImportedCurrent, "replaced older local",
			s.store.ReplaceFromImport(replaced, s.rebindRatings(inRatings, target.ID), snap)
	}

	// Local is newer (or equal outside the identity window).
	if in.Status != models.StatusFinalized || in.Score == nil {
		return MergeSkipped, "local is newer", nil
	}
	snap := s.snapshotAssessment(in, answeredRatings(inRatings))
	existing, err := s.store.ListHistoryByItem(in.ItemCode)
	if err != nil {
		return MergeError, "", err
	}
	for _, h := range existing {
		if absDuration(h.SnapshotDate.Sub(snap.SnapshotDate)) <= s.TimeTolerance &&
			absFloat(h.Score-snap.Score) <= s.ScoreTolerance {
			return MergeSkipped, "duplicate history", nil
		}
	}
	return MergeImportedHistory, "archived older incoming", s.store.InsertHistory(snap)
}

// rebindAssessment copies an incoming assessment onto a local id, keeping
// the incoming timestamps, status, tags and score.
func (s *ImportService) rebindAssessment(in *models.Assessment, id string) *models.Assessment {
	out := *in
	out.ID = id
	return &out
}

// rebindRatings re-keys incoming ratings under a local assessment id with
// fresh rating ids. Attachment-id sets are dropped: attachments only come
// back through archive restoration, which re-appends them.
func (s *ImportService) rebindRatings(inRatings []*models.Rating, assessmentID string) []*models.Rating {
	out := make([]*models.Rating, 0, len(inRatings))
	for _, r := range inRatings {
		cp := *r
		cp.ID = s.idGen()
		cp.AssessmentID = assessmentID
		cp.AttachmentIDs = nil
		out = append(out, &cp)
	}
	return out
}

func (s *ImportService) snapshotAssessment(a *models.Assessment, ratings []models.SnapshotRating) *models.HistorySnapshot {
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
		Ratings:        ratings,
		CatalogVersion: a.CatalogVersion,
	}
}

// ImportArchive merges the archive form: data.json first, then attachment
// payloads. Attachment failures are logged and counted against neither the
// error list nor success; per-item errors alone define failure.
func (s *ImportService) ImportArchive(ctx context.Context, archive []byte, progress ProgressFunc) (*MergeResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, NewValidationError("unreadable archive: " + err.Error())
	}
	raw, err := readZipMember(zr, archiveDataName)
	if err != nil {
		return nil, NewValidationError("archive missing " + archiveDataName)
	}
	report(progress, 0, "validating document")
	doc, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}
	result, err := s.Merge(ctx, doc, wrapProgress(progress, 0, 70))
	if err != nil {
		return result, err
	}

	metaByID := map[string]*models.Attachment{}
	metaByName := map[string]*models.Attachment{}
	itemByAssessment := map[string]string{}
	questionByRating := map[string]int{}
	for _, att := range doc.Data.Attachments {
		metaByID[att.ID] = att
		metaByName[path.Base(att.FileName)] = att
	}
	for _, a := range doc.Data.Assessments {
		itemByAssessment[a.ID] = a.ItemCode
	}
	for _, r := range doc.Data.Ratings {
		questionByRating[r.ID] = r.QuestionIndex
	}

	members := []*zip.File{}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, archiveAttachments) && !strings.HasSuffix(f.Name, "/") {
			members = append(members, f)
		}
	}
	for i, f := range members {
		if err := checkCtx(ctx); err != nil {
			return result, err
		}
		report(progress, 70+scaled(i, len(members), 28), fmt.Sprintf("restoring %s", path.Base(f.Name)))
		if s.restoreAttachment(f, metaByID, metaByName, itemByAssessment, questionByRating) {
			result.AttachmentsRestored++
		}
	}
	report(progress, 100, "import complete")
	return result, nil
}

func (s *ImportService) restoreAttachment(f *zip.File, metaByID, metaByName map[string]*models.Attachment,
	itemByAssessment map[string]string, questionByRating map[string]int) bool {
	meta := metaByID[attachmentIDFromPath(f.Name)]
	if meta == nil {
		meta = metaByName[path.Base(f.Name)]
	}
	if meta == nil {
		s.log.Warn("archive attachment has no metadata entry", zap.String("member", f.Name))
		return false
	}
	existing, err := s.store.GetAttachment(meta.ID)
	if err != nil {
		s.log.Warn("attachment lookup failed", zap.String("attachment_id", meta.ID), zap.Error(err))
		return false
	}
	if existing != nil {
		return false // already present locally
	}
	itemCode := itemByAssessment[meta.AssessmentID]
	if itemCode == "" {
		itemCode = itemCodeFromPath(f.Name)
	}
	local, err := s.store.LatestAssessmentByItem(itemCode)
	if err != nil || local == nil {
		s.log.Warn("no local assessment for attachment", zap.String("item_code", itemCode), zap.Error(err))
		return false
	}
	qIdx, ok := questionByRating[meta.RatingID]
	if !ok {
		s.log.Warn("attachment references unknown rating", zap.String("rating_id", meta.RatingID))
		return false
	}
	rating, err := s.store.GetRating(local.ID, qIdx)
	if err != nil || rating == nil {
		s.log.Warn("no local rating for attachment",
			zap.String("assessment_id", local.ID), zap.Int("question_index", qIdx), zap.Error(err))
		return false
	}
	payload, err := readZipFile(f)
	if err != nil {
		s.log.Warn("read archive attachment", zap.String("member", f.Name), zap.Error(err))
		return false
	}
	if err := s.blobs.Put(meta.ID, payload); err != nil {
		s.log.Warn("store attachment blob", zap.String("attachment_id", meta.ID), zap.Error(err))
		return false
	}
	uploaded := meta.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}
	att := &models.Attachment{
		ID:           meta.ID,
		AssessmentID: local.ID,
		RatingID:     rating.ID,
		FileName:     meta.FileName,
		FileType:     meta.FileType,
		FileSize:     int64(len(payload)),
		BlobRef:      meta.ID,
		Description:  meta.Description,
		UploadedAt:   uploaded,
	}
	if err := s.store.AppendAttachment(att); err != nil {
		s.log.Warn("append attachment", zap.String("attachment_id", meta.ID), zap.Error(err))
		return false
	}
	return true
}

func readZipMember(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return nil, fmt.Errorf("member %s not found", name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// wrapProgress compresses an inner progress range into a span of the outer
// one, for nested batch phases.
func wrapProgress(progress ProgressFunc, offset, span int) ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(percent int, message string) {
		progress(offset+percent*span/100, message)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func scoresClose(a, b *float64, tolerance float64) bool {
	if a == nil || b == nil {
		return false
	}
	return absFloat(*a-*b) <= tolerance
}
