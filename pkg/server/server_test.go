package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/routes/health"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(g *echo.Group) {
	g.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	g.GET("/boom", func(c echo.Context) error { panic("boom") })
}

func TestServer_Routes(t *testing.T) {
	checker := health.NewChecker("test")
	s := New(testutil.Logger(), Config{Port: 0, ServiceName: "clover-test"}, checker, pingRoutes{})

	serve := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := serve("/api/v1/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = serve("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusOK, serve("/api/v1/health/live").Code)
	assert.Equal(t, http.StatusInternalServerError, serve("/api/v1/boom").Code)
	assert.Equal(t, http.StatusNotFound, serve("/api/v1/missing").Code)
}
