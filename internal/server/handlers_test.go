package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/liidi/scoutd/internal/app"
	"github.com/liidi/scoutd/internal/common"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.SQLite.Path = t.TempDir() + "/scoutd.db"
	cfg.DataDir = t.TempDir()
	cfg.Recovery.PeriodicSweep = false
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	logger := arbor.NewLogger()

	application, err := app.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { application.Shutdown(context.Background()) })

	return New(application)
}

func TestSubmitJobHandler_ValidRequestReturnsAcceptedWithID(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(SubmitJobRequest{
		Kind:        "company_research",
		EntityID:    1,
		EntityLabel: "Acme",
		Prompt:      "research acme",
	})

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
}

func TestSubmitJobHandler_MissingRequiredFieldReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(SubmitJobRequest{Kind: "company_research"})

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobHandler_DuplicateActiveJobReturnsConflict(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(SubmitJobRequest{
		Kind:        "company_research",
		EntityID:    2,
		EntityLabel: "Initech",
		Prompt:      "research initech",
	})

	req1 := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestListJobsHandler_ReturnsSubmittedJobs(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(SubmitJobRequest{
		Kind:        "scoring",
		EntityID:    3,
		EntityLabel: "Globex",
		Prompt:      "score globex",
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(submitRec, submitReq)
	require.Equal(t, http.StatusAccepted, submitRec.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
}

func TestGetJobHandler_UnknownIDReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobHandler_KnownIDReturnsJob(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(SubmitJobRequest{
		Kind:        "person_research",
		EntityID:    4,
		EntityLabel: "Jordan Lee",
		Prompt:      "research jordan",
	})
	submitRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(submitRec, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, submitRec.Code)
	var submitted map[string]string
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitted))

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+submitted["id"], nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, submitted["id"], job["id"])
}

func TestGetJobLogsHandler_UnknownJobReturnsEmptyList(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist/logs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var logs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Empty(t, logs)
}

func TestCancelJobHandler_UnknownJobReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs/does-not-exist/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler_ReportsOKWhenStoreReachable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
