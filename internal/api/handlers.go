package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/metrics"
	"github.com/maturion/maturion/internal/models"
	"github.com/maturion/maturion/internal/services"
)

// POST /api/assessments
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemCode string   `json:"item_code"`
		Tags     []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, services.NewInvalidError("invalid body: "+err.Error()))
		return
	}
	a, err := rt.lifecycle.Start(req.ItemCode, req.Tags)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GET /api/assessments?grouping=...&item=...
func (rt *Router) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	var (
		list []*models.Assessment
		err  error
	)
	switch {
	case r.URL.Query().Get("item") != "":
		list, err = rt.store.ListAssessmentsByItem(r.URL.Query().Get("item"))
	case r.URL.Query().Get("grouping") != "":
		list, err = rt.store.ListAssessmentsByGrouping(r.URL.Query().Get("grouping"))
	default:
		list, err = rt.store.ListAssessments()
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/assessments/{id}
func (rt *Router) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, ratings, err := rt.lifecycle.Get(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessment": a, "ratings": ratings})
}

// DELETE /api/assessments/{id}
func (rt *Router) handleDeleteAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refs, err := rt.lifecycle.OrphanedBlobRefs(id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if err := rt.lifecycle.Delete(id); err != nil {
		rt.writeError(w, err)
		return
	}
	rt.cleanupBlobs(refs)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (rt *Router) cleanupBlobs(refs []string) {
	for _, ref := range refs {
		if err := rt.attachments.DeleteBlob(ref); err != nil {
			rt.log.Warn("blob cleanup failed", zap.String("blob_ref", ref), zap.Error(err))
		}
	}
}

// POST /api/assessments/{id}/ratings
func (rt *Router) handleSaveRating(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionIndex int    `json:"question_index"`
		Level         *int   `json:"level"`
		Notes         string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, services.NewInvalidError("invalid body: "+err.Error()))
		return
	}
	ratingID, err := rt.lifecycle.SaveRating(chi.URLParam(r, "id"), req.QuestionIndex, req.Level, req.Notes)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rating_id": ratingID})
}

// POST /api/assessments/{id}/finalize
func (rt *Router) handleFinalize(w http.ResponseWriter, r *http.Request) {
	a, err := rt.lifecycle.Finalize(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	metrics.AssessmentsFinalized.Inc()
	writeJSON(w, http.StatusOK, a)
}

// POST /api/assessments/{id}/edit
func (rt *Router) handleEdit(w http.ResponseWriter, r *http.Request) {
	a, err := rt.lifecycle.EditAssessment(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /api/assessments/{id}/revert
func (rt *Router) handleRevert(w http.ResponseWriter, r *http.Request) {
	a, err := rt.lifecycle.RevertEdit(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PUT /api/assessments/{id}/tags
func (rt *Router) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, services.NewInvalidError("invalid body: "+err.Error()))
		return
	}
	a, err := rt.lifecycle.UpdateTags(chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /api/history/{code}
func (rt *Router) handleHistoryByItem(w http.ResponseWriter, r *http.Request) {
	list, err := rt.history.ListByItem(chi.URLParam(r, "code"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// DELETE /api/history/{code}
func (rt *Router) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := rt.history.ClearByItem(chi.URLParam(r, "code"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

// GET /api/history/entries/{id}
func (rt *Router) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	h, err := rt.history.Get(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// DELETE /api/history/entries/{id}
func (rt *Router) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := rt.history.Delete(chi.URLParam(r, "id")); err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// GET /api/tags
func (rt *Router) handleListTags(w http.ResponseWriter, r *http.Request) {
	list, err := rt.tags.List()
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/export?scope=full|grouping|item&grouping=...&item=...&format=json|archive
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := services.ExportParams{
		Scope:       services.Scope(q.Get("scope")),
		GroupingKey: q.Get("grouping"),
		ItemCode:    q.Get("item"),
	}
	format := q.Get("format")
	var (
		res *services.ExportResult
		err error
	)
	if format == "archive" {
		res, err = rt.exports.ExportArchive(r.Context(), params)
	} else {
		format = "json"
		res, err = rt.exports.ExportJSON(r.Context(), params)
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	metrics.ExportsProduced.WithLabelValues(format).Inc()
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	_, _ = w.Write(res.Data)
}

// POST /api/import accepts a zip archive or a plain JSON document, decided
// by content type.
func (rt *Router) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.writeError(w, services.NewInvalidError("read body: "+err.Error()))
		return
	}
	ct := r.Header.Get("Content-Type")
	var result *services.MergeResult
	if strings.Contains(ct, "zip") || looksLikeZip(body) {
		result, err = rt.imports.ImportArchive(r.Context(), body, nil)
	} else {
		result, err = rt.imports.ImportJSON(r.Context(), body, nil)
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	for _, d := range result.Details {
		metrics.MergeOutcomes.WithLabelValues(string(d.Action)).Inc()
	}
	if result.AttachmentsRestored > 0 {
		metrics.AttachmentsRestored.Add(float64(result.AttachmentsRestored))
	}
	writeJSON(w, http.StatusOK, result)
}

func looksLikeZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K'
}

// POST /api/attachments takes a multipart form with file, assessment_id and
// question_index fields.
func (rt *Router) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		rt.writeError(w, services.NewInvalidError("invalid multipart form: "+err.Error()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		rt.writeError(w, services.NewInvalidError("file field required"))
		return
	}
	defer func() { _ = file.Close() }()
	payload, err := io.ReadAll(file)
	if err != nil {
		rt.writeError(w, services.NewInvalidError("read upload: "+err.Error()))
		return
	}
	qIdx := 0
	if v := r.FormValue("question_index"); v != "" {
		qIdx, err = strconv.Atoi(v)
		if err != nil {
			rt.writeError(w, services.NewInvalidError("invalid question_index"))
			return
		}
	}
	att, err := rt.attachments.Upload(services.UploadParams{
		AssessmentID:  r.FormValue("assessment_id"),
		QuestionIndex: qIdx,
		FileName:      header.Filename,
		FileType:      header.Header.Get("Content-Type"),
		Description:   r.FormValue("description"),
		Payload:       payload,
	})
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// GET /api/attachments/{id}
func (rt *Router) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	att, payload, err := rt.attachments.Get(chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	ct := att.FileType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.FileName+`"`)
	_, _ = w.Write(payload)
}

// DELETE /api/attachments/{id}
func (rt *Router) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	if err := rt.attachments.Delete(chi.URLParam(r, "id")); err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
