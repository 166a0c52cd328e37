package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maturion/maturion/internal/models"
)

type stubAttachmentStore struct {
	assessment  *models.Assessment
	ratings     map[int]*models.Rating
	attachments map[string]*models.Attachment
	appendErr   error
	deletedAt   time.Time
}

func newStubAttachmentStore(a *models.Assessment) *stubAttachmentStore {
	return &stubAttachmentStore{
		assessment:  a,
		ratings:     map[int]*models.Rating{},
		attachments: map[string]*models.Attachment{},
	}
}

func (s *stubAttachmentStore) GetAssessment(id string) (*models.Assessment, error) {
	if s.assessment != nil && s.assessment.ID == id {
		copy := *s.assessment
		return &copy, nil
	}
	return nil, nil
}

func (s *stubAttachmentStore) GetRating(assessmentID string, questionIndex int) (*models.Rating, error) {
	if r, ok := s.ratings[questionIndex]; ok && r.AssessmentID == assessmentID {
		copy := *r
		return &copy, nil
	}
	return nil, nil
}

func (s *stubAttachmentStore) UpsertRating(r *models.Rating) (string, error) {
	copy := *r
	s.ratings[r.QuestionIndex] = &copy
	return r.ID, nil
}

func (s *stubAttachmentStore) GetAttachment(id string) (*models.Attachment, error) {
	if att, ok := s.attachments[id]; ok {
		copy := *att
		return &copy, nil
	}
	return nil, nil
}

func (s *stubAttachmentStore) AppendAttachment(att *models.Attachment) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	copy := *att
	s.attachments[att.ID] = &copy
	return nil
}

func (s *stubAttachmentStore) DeleteAttachment(att *models.Attachment, updatedAt time.Time) error {
	delete(s.attachments, att.ID)
	s.deletedAt = updatedAt
	return nil
}

func newTestAttachments(store *stubAttachmentStore, blobs *memBlob) *AttachmentService {
	svc := NewAttachmentService(store, blobs, nil)
	seq := 0
	svc.idGen = func() string {
		seq++
		return fmt.Sprintf("att-%03d", seq)
	}
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func inProgressAssessment(id string) *models.Assessment {
	return &models.Assessment{ID: id, ItemCode: "PR.AC", Status: models.StatusInProgress}
}

func TestUploadCreatesRatingWhenAbsent(t *testing.T) {
	store := newStubAttachmentStore(inProgressAssessment("A1"))
	blobs := newMemBlob()
	svc := newTestAttachments(store, blobs)

	att, err := svc.Upload(UploadParams{
		AssessmentID:  "A1",
		QuestionIndex: 2,
		FileName:      "evidence.png",
		FileType:      "image/png",
		Payload:       []byte{1, 2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), att.FileSize)
	require.Equal(t, att.ID, att.BlobRef)

	// the rating now exists even though the question is unanswered
	r := store.ratings[2]
	require.NotNil(t, r)
	require.Nil(t, r.Level)
	require.Equal(t, r.ID, att.RatingID)

	payload, err := blobs.Get(att.BlobRef)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, payload)
}

func TestUploadReusesExistingRating(t *testing.T) {
	store := newStubAttachmentStore(inProgressAssessment("A1"))
	store.ratings[0] = &models.Rating{ID: "R1", AssessmentID: "A1", QuestionIndex: 0, Level: intp(4)}
	svc := newTestAttachments(store, newMemBlob())

	att, err := svc.Upload(UploadParams{
		AssessmentID: "A1", QuestionIndex: 0, FileName: "f.txt", Payload: []byte("x"),
	})
	require.NoError(t, err)
	require.Equal(t, "R1", att.RatingID)
}

func TestUploadValidation(t *testing.T) {
	store := newStubAttachmentStore(inProgressAssessment("A1"))
	svc := newTestAttachments(store, newMemBlob())

	_, err := svc.Upload(UploadParams{AssessmentID: "A1", Payload: []byte("x")})
	require.Error(t, err)
	_, err = svc.Upload(UploadParams{AssessmentID: "A1", FileName: "f.txt"})
	require.Error(t, err)
	_, err = svc.Upload(UploadParams{AssessmentID: "missing", FileName: "f.txt", Payload: []byte("x")})
	require.True(t, IsNotFound(err))
}

func TestUploadRollsBackBlobOnMetadataFailure(t *testing.T) {
	store := newStubAttachmentStore(inProgressAssessment("A1"))
	store.appendErr = fmt.Errorf("disk full")
	blobs := newMemBlob()
	svc := newTestAttachments(store, blobs)

	_, err := svc.Upload(UploadParams{
		AssessmentID: "A1", QuestionIndex: 0, FileName: "f.txt", Payload: []byte("x"),
	})
	require.Error(t, err)
	require.Empty(t, blobs.data)
}

func TestGetAndDeleteAttachment(t *testing.T) {
	store := newStubAttachmentStore(inProgressAssessment("A1"))
	blobs := newMemBlob()
	svc := newTestAttachments(store, blobs)

	att, err := svc.Upload(UploadParams{
		AssessmentID: "A1", QuestionIndex: 0, FileName: "f.txt", Payload: []byte("hello"),
	})
	require.NoError(t, err)

	got, payload, err := svc.Get(att.ID)
	require.NoError(t, err)
	require.Equal(t, "f.txt", got.FileName)
	require.Equal(t, []byte("hello"), payload)

	require.NoError(t, svc.Delete(att.ID))
	_, _, err = svc.Get(att.ID)
	require.True(t, IsNotFound(err))
	require.Empty(t, blobs.data)
	// the rating's timestamp comes from the service clock, not the wall clock
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), store.deletedAt)

	err = svc.Delete(att.ID)
	require.True(t, IsNotFound(err))
}
