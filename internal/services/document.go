package services

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/maturion/maturion/internal/models"
)

// FormatVersion is stamped onto every produced interchange document.
const FormatVersion = "1.0"

var supportedFormatVersions = map[string]bool{
	"1.0": true,
}

// Scope selects which slice of the store an export covers.
type Scope string

const (
	ScopeFull     Scope = "full"
	ScopeGrouping Scope = "grouping"
	ScopeItem     Scope = "item"
)

// Document is the portable interchange artifact: a versioned,
// self-describing snapshot of assessments produced by the export collector
// and consumed by the import reconciler. It is never persisted locally
// except as a file the user downloads.
type Document struct {
	FormatVersion  string           `json:"format_version" validate:"required"`
	ExportedAt     time.Time        `json:"exported_at" validate:"required"`
	AppVersion     string           `json:"app_version,omitempty"`
	CatalogVersion string           `json:"catalog_version,omitempty"`
	Scope          Scope            `json:"scope" validate:"required,oneof=full grouping item"`
	ScopeDetails   string           `json:"scope_details,omitempty"`
	Data           *DocumentData    `json:"data" validate:"required"`
	Metadata       DocumentMetadata `json:"metadata"`
}

type DocumentData struct {
	Assessments []*models.Assessment      `json:"assessments"`
	Ratings     []*models.Rating          `json:"ratings"`
	History     []*models.HistorySnapshot `json:"history"`
	Tags        []*models.TagEntry        `json:"tags"`
	Attachments []*models.Attachment      `json:"attachments"`
}

// DocumentMetadata carries aggregate counts for sanity display on import;
// they are informational and never validated against the data block.
type DocumentMetadata struct {
	TotalAssessments int      `json:"total_assessments"`
	TotalRatings     int      `json:"total_ratings"`
	TotalHistory     int      `json:"total_history"`
	TotalAttachments int      `json:"total_attachments"`
	GroupingKeys     []string `json:"grouping_keys"`
	ItemCodes        []string `json:"item_codes"`
}

// Manifest is the archive-form companion of the document metadata.
type Manifest struct {
	FormatVersion string           `json:"format_version"`
	ExportedAt    time.Time        `json:"exported_at"`
	Metadata      DocumentMetadata `json:"metadata"`
	Contents      ManifestContents `json:"contents"`
}

type ManifestContents struct {
	Data        bool `json:"data"`
	Attachments bool `json:"attachments"`
}

// ProgressFunc receives batch progress between steps of a long-running
// export or import.
type ProgressFunc func(percent int, message string)

func report(progress ProgressFunc, percent int, message string) {
	if progress != nil {
		progress(percent, message)
	}
}

// MergeAction classifies the outcome of merging one incoming assessment.
// These are deliberate decisions, not failures, except MergeError.
type MergeAction string

const (
	MergeImportedCurrent MergeAction = "imported_current"
	MergeImportedHistory MergeAction = "imported_history"
	MergeSkipped         MergeAction = "skipped"
	MergeError           MergeAction = "error"
)

// MergeDetail records the per-item outcome of an import.
type MergeDetail struct {
	ItemCode    string      `json:"item_code"`
	DisplayName string      `json:"display_name,omitempty"`
	Action      MergeAction `json:"action"`
	Reason      string      `json:"reason,omitempty"`
}

// MergeResult summarizes an import. Success is defined purely by the
// absence of per-item errors; skipped items and failed attachment restores
// do not affect it.
type MergeResult struct {
	Success             bool          `json:"success"`
	ImportedAsCurrent   int           `json:"imported_as_current"`
	ImportedAsHistory   int           `json:"imported_as_history"`
	Skipped             int           `json:"skipped"`
	AttachmentsRestored int           `json:"attachments_restored"`
	Errors              []string      `json:"errors"`
	Details             []MergeDetail `json:"details"`
}

// Archive member names.
const (
	archiveManifestName = "manifest.json"
	archiveDataName     = "data.json"
	archiveAttachments  = "attachments/"
)

// attachmentArchivePath derives the archive member path for an attachment:
// attachments/{itemCode}/{fileNameStem}_{attachmentID}{ext}. The id is the
// last underscore-separated token of the stem, so it can be re-derived from
// the path without a lookup table (attachment ids contain no underscores).
func attachmentArchivePath(itemCode string, att *models.Attachment) string {
	ext := path.Ext(att.FileName)
	stem := strings.TrimSuffix(path.Base(att.FileName), ext)
	if stem == "" {
		stem = "attachment"
	}
	return fmt.Sprintf("%s%s/%s_%s%s", archiveAttachments, sanitizeSegment(itemCode), sanitizeSegment(stem), att.ID, ext)
}

// attachmentIDFromPath recovers the attachment id embedded in an archive
// member path, or "" when the path does not follow the derived layout.
func attachmentIDFromPath(p string) string {
	base := path.Base(p)
	stem := strings.TrimSuffix(base, path.Ext(base))
	i := strings.LastIndex(stem, "_")
	if i < 0 || i == len(stem)-1 {
		return ""
	}
	return stem[i+1:]
}

// itemCodeFromPath extracts the item-code segment of an archive member
// path, or "".
func itemCodeFromPath(p string) string {
	rest := strings.TrimPrefix(p, archiveAttachments)
	if rest == p {
		return ""
	}
	i := strings.Index(rest, "/")
	if i <= 0 {
		return ""
	}
	return rest[:i]
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "_", "-")
	if s == "" {
		return "unknown"
	}
	return s
}
