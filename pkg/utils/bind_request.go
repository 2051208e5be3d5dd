package utils

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
)

// BindRequest binds path params, query params and the body into T, then
// validates it. Bind and validation failures are 400s.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T
	return bindAndValidate(v, c.Bind(&v))
}

// BindQuery binds only query params into T, for GET handlers.
func BindQuery[T any](c echo.Context) (T, error) {
	var v T
	return bindAndValidate(v, (&echo.DefaultBinder{}).BindQueryParams(c, &v))
}

func bindAndValidate[T any](v T, bindErr error) (T, error) {
	if bindErr != nil {
		return v, httperror.WrapError(http.StatusBadRequest, bindErr)
	}
	if _, err := Validate(v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}
	return v, nil
}
