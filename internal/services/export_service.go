package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/blob"
	"github.com/maturion/maturion/internal/models"
)

// ExportStore abstracts the read-side the collector needs. The collector
// never writes.
type ExportStore interface {
	ListAssessments() ([]*models.Assessment, error)
	ListAssessmentsByGrouping(key string) ([]*models.Assessment, error)
	ListAssessmentsByItem(code string) ([]*models.Assessment, error)
	ListRatingsByAssessment(id string) ([]*models.Rating, error)
	ListHistoryByItem(code string) ([]*models.HistorySnapshot, error)
	ListTags() ([]*models.TagEntry, error)
	ListAttachmentsByAssessment(id string) ([]*models.Attachment, error)
}

// ExportParams scopes a collection run.
type ExportParams struct {
	Scope       Scope
	GroupingKey string
	ItemCode    string
	Progress    ProgressFunc
}

// ExportResult is a downloadable artifact.
type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService projects a scoped slice of the store into an interchange
// document, either plain JSON or a zip archive that also carries attachment
// bytes.
type ExportService struct {
	store      ExportStore
	blobs      blob.Store
	log        *zap.Logger
	appVersion string
	catVersion string
	now        func() time.Time
}

func NewExportService(store ExportStore, blobs blob.Store, log *zap.Logger, appVersion, catalogVersion string) *ExportService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExportService{
		store:      store,
		blobs:      blobs,
		log:        log,
		appVersion: appVersion,
		catVersion: catalogVersion,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Collect builds the plain-form interchange document for the given scope.
// Tags are always exported in full; history follows the item codes of the
// scoped assessments.
func (s *ExportService) Collect(ctx context.Context, params ExportParams) (*Document, error) {
	var (
		assessments []*models.Assessment
		err         error
		details     string
	)
	report(params.Progress, 0, "collecting assessments")
	switch params.Scope {
	case ScopeFull, "":
		params.Scope = ScopeFull
		assessments, err = s.store.ListAssessments()
	case ScopeGrouping:
		if params.GroupingKey == "" {
			return nil, NewInvalidError("grouping key required for grouping scope")
		}
		details = params.GroupingKey
		assessments, err = s.store.ListAssessmentsByGrouping(params.GroupingKey)
	case ScopeItem:
		if params.ItemCode == "" {
			return nil, NewInvalidError("item code required for item scope")
		}
		details = params.ItemCode
		assessments, err = s.store.ListAssessmentsByItem(params.ItemCode)
	default:
		return nil, NewInvalidError("unsupported scope: " + string(params.Scope))
	}
	if err != nil {
		return nil, err
	}

	data := &DocumentData{
		Assessments: assessments,
		Ratings:     []*models.Rating{},
		History:     []*models.HistorySnapshot{},
		Tags:        []*models.TagEntry{},
		Attachments: []*models.Attachment{},
	}
	codes := map[string]bool{}
	groups := map[string]bool{}
	total := len(assessments)
	for i, a := range assessments {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		report(params.Progress, 10+scaled(i, total, 60), fmt.Sprintf("collecting %s", a.ItemCode))
		ratings, err := s.store.ListRatingsByAssessment(a.ID)
		if err != nil {
			return nil, err
		}
		data.Ratings = append(data.Ratings, ratings...)
		atts, err := s.store.ListAttachmentsByAssessment(a.ID)
		if err != nil {
			return nil, err
		}
		data.Attachments = append(data.Attachments, atts...)
		codes[a.ItemCode] = true
		if a.GroupingKey != "" {
			groups[a.GroupingKey] = true
		}
	}

	report(params.Progress, 75, "collecting history")
	for _, code := range sortedKeys(codes) {
		history, err := s.store.ListHistoryByItem(code)
		if err != nil {
			return nil, err
		}
		data.History = append(data.History, history...)
	}

	report(params.Progress, 85, "collecting tags")
	tags, err := s.store.ListTags()
	if err != nil {
		return nil, err
	}
	data.Tags = tags

	doc := &Document{
		FormatVersion:  FormatVersion,
		ExportedAt:     s.now(),
		AppVersion:     s.appVersion,
		CatalogVersion: s.catVersion,
		Scope:          params.Scope,
		ScopeDetails:   details,
		Data:           data,
		Metadata: DocumentMetadata{
			TotalAssessments: len(data.Assessments),
			TotalRatings:     len(data.Ratings),
			TotalHistory:     len(data.History),
			TotalAttachments: len(data.Attachments),
			GroupingKeys:     sortedKeys(groups),
			ItemCodes:        sortedKeys(codes),
		},
	}
	report(params.Progress, 100, "export complete")
	return doc, nil
}

// ExportJSON renders the plain-form document as a downloadable file.
func (s *ExportService) ExportJSON(ctx context.Context, params ExportParams) (*ExportResult, error) {
	doc, err := s.Collect(ctx, params)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return &ExportResult{
		Filename:    exportFilename(doc, "json"),
		ContentType: "application/json; charset=utf-8",
		Data:        b,
	}, nil
}

// ExportArchive packages the document plus each attachment's bytes into a
// zip. Attachment members live under a path the importer can re-derive the
// attachment id from.
func (s *ExportService) ExportArchive(ctx context.Context, params ExportParams) (*ExportResult, error) {
	progress := params.Progress
	params.Progress = nil
	doc, err := s.Collect(ctx, params)
	if err != nil {
		return nil, err
	}
	report(progress, 40, "packaging archive")

	itemByAssessment := map[string]string{}
	for _, a := range doc.Data.Assessments {
		itemByAssessment[a.ID] = a.ItemCode
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	docBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := writeZipMember(zw, archiveDataName, docBytes); err != nil {
		return nil, err
	}

	manifest := Manifest{
		FormatVersion: doc.FormatVersion,
		ExportedAt:    doc.ExportedAt,
		Metadata:      doc.Metadata,
		Contents:      ManifestContents{Data: true, Attachments: len(doc.Data.Attachments) > 0},
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeZipMember(zw, archiveManifestName, manifestBytes); err != nil {
		return nil, err
	}

	total := len(doc.Data.Attachments)
	for i, att := range doc.Data.Attachments {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		report(progress, 50+scaled(i, total, 45), fmt.Sprintf("packaging attachment %s", att.FileName))
		payload, err := s.blobs.Get(att.BlobRef)
		if err != nil {
			// A missing blob degrades to metadata-only for that file.
			s.log.Warn("attachment blob missing, skipping",
				zap.String("attachment_id", att.ID), zap.Error(err))
			continue
		}
		member := attachmentArchivePath(itemByAssessment[att.AssessmentID], att)
		if err := writeZipMember(zw, member, payload); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	report(progress, 100, "archive complete")
	return &ExportResult{
		Filename:    exportFilename(doc, "zip"),
		ContentType: "application/zip",
		Data:        buf.Bytes(),
	}, nil
}

func writeZipMember(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive member %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write archive member %s: %w", name, err)
	}
	return nil
}

func exportFilename(doc *Document, ext string) string {
	stamp := doc.ExportedAt.Format("20060102-150405")
	if doc.Scope == ScopeFull {
		return fmt.Sprintf("maturion-export-%s.%s", stamp, ext)
	}
	return fmt.Sprintf("maturion-export-%s-%s-%s.%s", doc.Scope, sanitizeSegment(doc.ScopeDetails), stamp, ext)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// scaled maps step i of total onto a span of percentage points.
func scaled(i, total, span int) int {
	if total == 0 {
		return span
	}
	return (i + 1) * span / total
}
