package services

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/blob"
	"github.com/maturion/maturion/internal/models"
)

// AttachmentStore abstracts the persistence the attachment workflow needs.
// AppendAttachment and DeleteAttachment serialize the read-modify-write on
// the owning rating's attachment set inside one transaction.
type AttachmentStore interface {
	GetAssessment(id string) (*models.Assessment, error)
	GetRating(assessmentID string, questionIndex int) (*models.Rating, error)
	UpsertRating(r *models.Rating) (string, error)
	GetAttachment(id string) (*models.Attachment, error)
	AppendAttachment(att *models.Attachment) error
	DeleteAttachment(att *models.Attachment, updatedAt time.Time) error
}

// AttachmentService stores attachment bytes in the blob store and keeps the
// metadata attached to the owning rating.
type AttachmentService struct {
	store AttachmentStore
	blobs blob.Store
	log   *zap.Logger
	now   func() time.Time
	idGen func() string
}

func NewAttachmentService(store AttachmentStore, blobs blob.Store, log *zap.Logger) *AttachmentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AttachmentService{
		store: store,
		blobs: blobs,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

// UploadParams describes one attachment upload. The rating is addressed by
// question index and created empty when it does not exist yet, so a file
// can be attached before the question is answered.
type UploadParams struct {
	AssessmentID  string
	QuestionIndex int
	FileName      string
	FileType      string
	Description   string
	Payload       []byte
}

// Upload stores the payload and links the attachment to its rating.
func (s *AttachmentService) Upload(params UploadParams) (*models.Attachment, error) {
	if params.FileName == "" {
		return nil, NewInvalidError("file name required")
	}
	if len(params.Payload) == 0 {
		return nil, NewInvalidError("empty payload")
	}
	a, err := s.store.GetAssessment(params.AssessmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assessment not found: " + params.AssessmentID)
	}
	now := s.now()
	rating, err := s.store.GetRating(params.AssessmentID, params.QuestionIndex)
	if err != nil {
		return nil, err
	}
	ratingID := ""
	if rating != nil {
		ratingID = rating.ID
	} else {
		ratingID, err = s.store.UpsertRating(&models.Rating{
			ID:            s.idGen(),
			AssessmentID:  params.AssessmentID,
			QuestionIndex: params.QuestionIndex,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, err
		}
	}

	id := s.idGen()
	if err := s.blobs.Put(id, params.Payload); err != nil {
		return nil, NewStorageError("store attachment payload", err)
	}
	att := &models.Attachment{
		ID:           id,
		AssessmentID: params.AssessmentID,
		RatingID:     ratingID,
		FileName:     params.FileName,
		FileType:     params.FileType,
		FileSize:     int64(len(params.Payload)),
		BlobRef:      id,
		Description:  params.Description,
		UploadedAt:   now,
	}
	if err := s.store.AppendAttachment(att); err != nil {
		// Roll the payload back so the blob store holds no orphan.
		if derr := s.blobs.Delete(id); derr != nil {
			s.log.Warn("orphan blob left behind", zap.String("blob_ref", id), zap.Error(derr))
		}
		return nil, err
	}
	return att, nil
}

// DeleteBlob removes a stored payload by blob reference. Used to clean up
// after the owning assessment rows are already gone.
func (s *AttachmentService) DeleteBlob(ref string) error {
	return s.blobs.Delete(ref)
}

// Get returns attachment metadata and its payload.
func (s *AttachmentService) Get(id string) (*models.Attachment, []byte, error) {
	att, err := s.store.GetAttachment(id)
	if err != nil {
		return nil, nil, err
	}
	if att == nil {
		return nil, nil, NewNotFoundError("attachment not found: " + id)
	}
	payload, err := s.blobs.Get(att.BlobRef)
	if err != nil {
		return nil, nil, NewStorageError("read attachment payload", err)
	}
	return att, payload, nil
}

// Delete removes the attachment metadata, detaches it from its rating and
// deletes the payload.
func (s *AttachmentService) Delete(id string) error {
	att, err := s.store.GetAttachment(id)
	if err != nil {
		return err
	}
	if att == nil {
		return NewNotFoundError("attachment not found: " + id)
	}
	if err := s.store.DeleteAttachment(att, s.now()); err != nil {
		return err
	}
	if err := s.blobs.Delete(att.BlobRef); err != nil {
		s.log.Warn("delete attachment blob", zap.String("blob_ref", att.BlobRef), zap.Error(err))
	}
	return nil
}
