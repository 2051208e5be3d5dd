package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	reviewsvc "github.com/Ramsey-B/clover/pkg/review"
)

func setup(t *testing.T) (*echo.Echo, *testutil.Store, string) {
	t.Helper()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(
		models.Business{ID: "a", Name: "Acme Plumbing", CreatedAt: ts, UpdatedAt: ts},
		models.Business{ID: "b", Name: "Acme Plumbing & Heating", CreatedAt: ts, UpdatedAt: ts},
	)
	logger := testutil.Logger()
	locker := lock.NewMemoryLocker()
	opts := lock.Options{TTL: time.Second, Timeout: 500 * time.Millisecond}
	engine := merging.NewEngine(logger, store.Transactor(), locker, opts, store.Businesses(), store.DedupeLog())
	manager := reviewsvc.NewManager(logger, store.Reviews(), store.Transactor(), locker, opts, engine)

	entry, err := manager.Enqueue(context.Background(), models.NewPair("a", "b"), models.ReviewReasonSimilarityBand, 0.7, false)
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	NewHandler(manager).RegisterRoutes(e.Group("/api/v1"))
	return e, store, entry.ID
}

func do(e *echo.Echo, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListAndGet(t *testing.T) {
	e, _, id := setup(t)

	rec := do(e, http.MethodGet, "/api/v1/review", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.ReviewQueueEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	rec = do(e, http.MethodGet, "/api/v1/review?state=reviewed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/review?state=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/review/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"similarity_score":0.7`)

	rec = do(e, http.MethodGet, "/api/v1/review/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Resolve(t *testing.T) {
	e, store, id := setup(t)
	target := "/api/v1/review/" + id + "/resolve"

	rec := do(e, http.MethodPost, target, `{"decision":"merge"}`, map[string]string{middleware.HeaderUserID: "reviewer@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res models.ReviewResolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Merge)
	assert.Equal(t, "a", res.Merge.CanonicalID)
	assert.Equal(t, "reviewer@example.com", *res.Entry.ReviewedBy)

	b, _ := store.Business("b")
	assert.True(t, b.IsTombstoned())

	rec = do(e, http.MethodPost, target, `{"decision":"keep_separate","reviewer":"someone"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
}

func TestHandler_Resolve_BadRequests(t *testing.T) {
	e, _, id := setup(t)
	target := "/api/v1/review/" + id + "/resolve"

	for name, tc := range map[string]struct {
		body    string
		headers map[string]string
	}{
		"unknown decision": {`{"decision":"maybe","reviewer":"r"}`, nil},
		"no reviewer":      {`{"decision":"merge"}`, nil},
		"malformed body":   {`{"decision":`, nil},
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(e, http.MethodPost, target, tc.body, tc.headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
