package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maturion/maturion/internal/models"
)

type stubExportStore struct {
	assessments []*models.Assessment
	ratings     map[string][]*models.Rating
	history     map[string][]*models.HistorySnapshot
	tags        []*models.TagEntry
	attachments map[string][]*models.Attachment
}

func (s *stubExportStore) ListAssessments() ([]*models.Assessment, error) {
	return s.assessments, nil
}

func (s *stubExportStore) ListAssessmentsByGrouping(key string) ([]*models.Assessment, error) {
	out := []*models.Assessment{}
	for _, a := range s.assessments {
		if a.GroupingKey == key {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubExportStore) ListAssessmentsByItem(code string) ([]*models.Assessment, error) {
	out := []*models.Assessment{}
	for _, a := range s.assessments {
		if a.ItemCode == code {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubExportStore) ListRatingsByAssessment(id string) ([]*models.Rating, error) {
	return s.ratings[id], nil
}

func (s *stubExportStore) ListHistoryByItem(code string) ([]*models.HistorySnapshot, error) {
	return s.history[code], nil
}

func (s *stubExportStore) ListTags() ([]*models.TagEntry, error) {
	return s.tags, nil
}

func (s *stubExportStore) ListAttachmentsByAssessment(id string) ([]*models.Attachment, error) {
	return s.attachments[id], nil
}

type memBlob struct {
	data map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{data: map[string][]byte{}} }

func (m *memBlob) Get(ref string) ([]byte, error) {
	b, ok := m.data[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return b, nil
}

func (m *memBlob) Put(ref string, data []byte) error {
	m.data[ref] = data
	return nil
}

func (m *memBlob) Delete(ref string) error {
	delete(m.data, ref)
	return nil
}

func floatp(v float64) *float64 { return &v }

// exportFixture is a small two-item store: one finalized assessment with a
// rating and an attachment, one in-progress assessment, one history entry
// and one tag.
func exportFixture() (*stubExportStore, *memBlob) {
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	store := &stubExportStore{
		assessments: []*models.Assessment{
			{
				ID: "A1", ItemCode: "PR.AC", GroupingKey: "PR", DisplayName: "Access Control",
				Status: models.StatusFinalized, Tags: []string{"audit"},
				CreatedAt: t0, UpdatedAt: t0.Add(time.Hour), FinalizedAt: timep(t0.Add(time.Hour)),
				Score: floatp(4.0),
			},
			{
				ID: "A2", ItemCode: "DE.CM", GroupingKey: "DE", DisplayName: "Monitoring",
				Status: models.StatusInProgress, CreatedAt: t0, UpdatedAt: t0,
			},
		},
		ratings: map[string][]*models.Rating{
			"A1": {{ID: "R1", AssessmentID: "A1", QuestionIndex: 0, Level: intp(4), Notes: "ok",
				AttachmentIDs: []string{"AT1"}, UpdatedAt: t0.Add(time.Hour)}},
		},
		history: map[string][]*models.HistorySnapshot{
			"PR.AC": {{ID: "H1", ItemCode: "PR.AC", SnapshotDate: t0, Score: 3.0,
				Ratings: []models.SnapshotRating{{QuestionIndex: 0, Level: 3}}}},
		},
		tags: []*models.TagEntry{{ID: "T1", Name: "audit", UsageCount: 2, LastUsed: t0}},
		attachments: map[string][]*models.Attachment{
			"A1": {{ID: "AT1", AssessmentID: "A1", RatingID: "R1", FileName: "policy.pdf",
				FileType: "application/pdf", FileSize: 4, BlobRef: "AT1", UploadedAt: t0}},
		},
	}
	blobs := newMemBlob()
	blobs.data["AT1"] = []byte("%PDF")
	return store, blobs
}

func timep(t time.Time) *time.Time { return &t }

func TestCollectFullScope(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	doc, err := svc.Collect(context.Background(), ExportParams{Scope: ScopeFull})
	require.NoError(t, err)
	require.Equal(t, FormatVersion, doc.FormatVersion)
	require.Equal(t, ScopeFull, doc.Scope)
	require.Len(t, doc.Data.Assessments, 2)
	require.Len(t, doc.Data.Ratings, 1)
	require.Len(t, doc.Data.History, 1)
	require.Len(t, doc.Data.Tags, 1)
	require.Len(t, doc.Data.Attachments, 1)
	require.Equal(t, 2, doc.Metadata.TotalAssessments)
	require.Equal(t, []string{"DE", "PR"}, doc.Metadata.GroupingKeys)
	require.Equal(t, []string{"DE.CM", "PR.AC"}, doc.Metadata.ItemCodes)
}

func TestCollectScopedHistoryFollowsItems(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	doc, err := svc.Collect(context.Background(), ExportParams{Scope: ScopeItem, ItemCode: "DE.CM"})
	require.NoError(t, err)
	require.Len(t, doc.Data.Assessments, 1)
	require.Empty(t, doc.Data.History)
	// tags travel in full regardless of scope
	require.Len(t, doc.Data.Tags, 1)
}

func TestCollectScopeValidation(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	_, err := svc.Collect(context.Background(), ExportParams{Scope: ScopeGrouping})
	require.Error(t, err)
	_, err = svc.Collect(context.Background(), ExportParams{Scope: ScopeItem})
	require.Error(t, err)
	_, err = svc.Collect(context.Background(), ExportParams{Scope: "bogus"})
	require.Error(t, err)
}

func TestExportJSONValidatesAgainstImporter(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	res, err := svc.ExportJSON(context.Background(), ExportParams{Scope: ScopeFull})
	require.NoError(t, err)
	require.Contains(t, res.Filename, "maturion-export-")
	require.Equal(t, "application/json; charset=utf-8", res.ContentType)

	imp := NewImportService(newStubImportStore(), newMemBlob(), nil)
	doc, err := imp.Validate(res.Data)
	require.NoError(t, err)
	require.Equal(t, 2, len(doc.Data.Assessments))
}

func TestExportArchiveLayout(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	res, err := svc.ExportArchive(context.Background(), ExportParams{Scope: ScopeFull})
	require.NoError(t, err)
	require.Equal(t, "application/zip", res.ContentType)

	zr, err := zip.NewReader(bytes.NewReader(res.Data), int64(len(res.Data)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names["data.json"])
	require.True(t, names["manifest.json"])
	require.True(t, names["attachments/PR.AC/policy_AT1.pdf"])

	raw, err := readZipMember(zr, "manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.True(t, manifest.Contents.Attachments)
	require.Equal(t, 1, manifest.Metadata.TotalAttachments)
}

func TestExportArchiveSkipsMissingBlob(t *testing.T) {
	store, _ := exportFixture()
	svc := NewExportService(store, newMemBlob(), nil, "1.0.0", "cat-1")

	res, err := svc.ExportArchive(context.Background(), ExportParams{Scope: ScopeFull})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(res.Data), int64(len(res.Data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		require.NotContains(t, f.Name, "policy")
	}
	// metadata still travels so a later import can match a re-uploaded file
	raw, err := readZipMember(zr, "data.json")
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Data.Attachments, 1)
}

func TestExportCancelled(t *testing.T) {
	store, blobs := exportFixture()
	svc := NewExportService(store, blobs, nil, "1.0.0", "cat-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Collect(ctx, ExportParams{Scope: ScopeFull})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAttachmentArchivePathRoundTrip(t *testing.T) {
	att := &models.Attachment{ID: "abc-123", FileName: "my_evidence file.png"}
	p := attachmentArchivePath("PR.AC", att)
	require.Equal(t, "attachments/PR.AC/my-evidence file_abc-123.png", p)
	require.Equal(t, "abc-123", attachmentIDFromPath(p))
	require.Equal(t, "PR.AC", itemCodeFromPath(p))
}
