package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maturion/maturion/internal/blob"
	"github.com/maturion/maturion/internal/catalog"
	"github.com/maturion/maturion/internal/models"
	"github.com/maturion/maturion/internal/services"
	"github.com/maturion/maturion/internal/store"
)

const testCatalog = `{
	"version": "test-1",
	"items": [
		{"code": "PR.AC", "display_name": "Access Control", "grouping_key": "PR",
		 "questions": ["q0", "q1"]}
	]
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	rt := NewRouter(Options{
		Store:       st,
		Lifecycle:   services.NewLifecycleService(st, cat),
		History:     services.NewHistoryService(st),
		Exports:     services.NewExportService(st, blobs, nil, "test", cat.Version()),
		Imports:     services.NewImportService(st, blobs, nil),
		Tags:        services.NewTagService(st),
		Attachments: services.NewAttachmentService(st, blobs, nil),
		Version:     "test",
	})
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAssessmentWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var a models.Assessment
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/assessments",
		map[string]any{"item_code": "PR.AC", "tags": []string{"audit"}}, &a)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, models.StatusInProgress, a.Status)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/ratings",
		map[string]any{"question_index": 0, "level": 4}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/ratings",
		map[string]any{"question_index": 1, "level": 3}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var final models.Assessment
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/finalize", nil, &final)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.StatusFinalized, final.Status)
	require.NotNil(t, final.Score)
	require.InDelta(t, 3.5, *final.Score, 0.0001)

	var detail struct {
		Assessment models.Assessment `json:"assessment"`
		Ratings    []models.Rating   `json:"ratings"`
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/assessments/"+a.ID, nil, &detail)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, detail.Ratings, 2)

	var tags []models.TagEntry
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tags", nil, &tags)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, tags, 1)
	require.Equal(t, "audit", tags[0].Name)
}

func TestEditRevertOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var a models.Assessment
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments", map[string]any{"item_code": "PR.AC"}, &a)
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/ratings",
		map[string]any{"question_index": 0, "level": 4}, nil)
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/finalize", nil, nil)

	var edited models.Assessment
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/edit", nil, &edited)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.StatusInProgress, edited.Status)

	var history []models.HistorySnapshot
	doJSON(t, http.MethodGet, srv.URL+"/api/history/PR.AC", nil, &history)
	require.Len(t, history, 1)

	var reverted models.Assessment
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/revert", nil, &reverted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.StatusFinalized, reverted.Status)

	doJSON(t, http.MethodGet, srv.URL+"/api/history/PR.AC", nil, &history)
	require.Empty(t, history)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/assessments", map[string]any{"item_code": "XX.YY"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var a models.Assessment
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments", map[string]any{"item_code": "PR.AC"}, &a)
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/ratings",
		map[string]any{"question_index": 0, "level": 9}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/assessments/no-such-id", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportImportOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var a models.Assessment
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments", map[string]any{"item_code": "PR.AC"}, &a)
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/ratings",
		map[string]any{"question_index": 0, "level": 5}, nil)
	doJSON(t, http.MethodPost, srv.URL+"/api/assessments/"+a.ID+"/finalize", nil, nil)

	resp, err := http.Get(srv.URL + "/api/export?scope=full&format=json")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "maturion-export-")

	var doc services.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Len(t, doc.Data.Assessments, 1)

	// importing our own export into the same store is a no-op
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var result services.MergeResult
	ir := doJSON(t, http.MethodPost, srv.URL+"/api/import", json.RawMessage(raw), &result)
	require.Equal(t, http.StatusOK, ir.StatusCode)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Skipped)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
