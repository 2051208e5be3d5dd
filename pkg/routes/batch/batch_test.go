package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeRunner struct {
	got models.BatchRequest
	err error
}

func (r *fakeRunner) RunBatch(_ context.Context, req models.BatchRequest) (*models.BatchReport, error) {
	r.got = req
	if r.err != nil {
		return nil, r.err
	}
	return &models.BatchReport{BatchID: "batch-1", RecordsTotal: len(req.BusinessIDs), Success: true, CompletionPercent: 100}, nil
}

func setup(runner Runner) (*echo.Echo, *testutil.Store) {
	store := testutil.NewStore()
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(testutil.Logger())
	NewHandler(runner, store.Stages()).RegisterRoutes(e.Group("/api/v1"))
	return e, store
}

func post(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Run(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := setup(runner)

	rec := post(e, `{"business_ids":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a", "b"}, runner.got.BusinessIDs)

	var report models.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "batch-1", report.BatchID)
	assert.Equal(t, 2, report.RecordsTotal)
}

func TestHandler_Run_Errors(t *testing.T) {
	e, _ := setup(&fakeRunner{})
	assert.Equal(t, http.StatusBadRequest, post(e, `{"limit":0,"business_ids":[""]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(e, `{"limit":-5}`).Code)

	e, _ = setup(&fakeRunner{err: failures.Wrap(failures.ErrConfiguration, "scoring", "validate rules", "duplicate name", nil)})
	assert.Equal(t, http.StatusBadRequest, post(e, `{}`).Code)

	e, _ = setup(&fakeRunner{err: failures.Wrap(failures.ErrTransient, "pipeline", "load records", "", nil)})
	assert.Equal(t, http.StatusServiceUnavailable, post(e, `{}`).Code)
}

func TestHandler_ListFailures(t *testing.T) {
	e, store := setup(&fakeRunner{})
	ctx := context.Background()
	msg := "gave up after 3 attempts"
	require.NoError(t, store.Stages().Upsert(ctx, &models.StageStatus{BusinessID: "x", Stage: models.StageScoring, Status: models.StageStateFailed, BatchID: "batch-1", Attempts: 3, LastError: &msg}))
	require.NoError(t, store.Stages().Upsert(ctx, &models.StageStatus{BusinessID: "y", Stage: models.StageScoring, Status: models.StageStateDone, BatchID: "batch-1"}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batches/batch-1/failures", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var failed []models.StageStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "x", failed[0].BusinessID)
	assert.Equal(t, 3, failed[0].Attempts)
}
