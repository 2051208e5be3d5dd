package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct {
	Name  string `json:"name" query:"name" validate:"required"`
	Limit int    `json:"limit" query:"limit" validate:"omitempty,gte=1,lte=10"`
}

func newContext(method, target, body string) echo.Context {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestBindRequest(t *testing.T) {
	got, err := BindRequest[page](newContext(http.MethodPost, "/", `{"name":"acme","limit":3}`))
	require.NoError(t, err)
	assert.Equal(t, page{Name: "acme", Limit: 3}, got)

	_, err = BindRequest[page](newContext(http.MethodPost, "/", `{"limit":3}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = BindRequest[page](newContext(http.MethodPost, "/", `{"name":`))
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestBindQuery(t *testing.T) {
	got, err := BindQuery[page](newContext(http.MethodGet, "/?name=acme&limit=2", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Limit)

	_, err = BindQuery[page](newContext(http.MethodGet, "/?name=acme&limit=50", ""))
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = BindQuery[page](newContext(http.MethodGet, "/?name=acme&limit=many", ""))
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue("a@b.co", "email"))
	assert.Error(t, ValidateValue("nope", "email"))
}
