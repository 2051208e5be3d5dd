package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
)

// quietPrefixes are polled by probes and scrapers and only logged on failure.
var quietPrefixes = []string{"/metrics", "/api/v1/health"}

// Logger logs one line per request: errors for 5xx, warnings for 4xx.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			if status < http.StatusBadRequest && isQuiet(req.URL.Path) {
				return nil
			}

			log := logger.WithContext(req.Context()).WithFields(map[string]any{
				"request_id":    context.GetRequestID(req.Context()),
				"user_id":       context.GetUserID(req.Context()),
				"method":        req.Method,
				"route":         c.Path(),
				"status":        status,
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": c.Response().Size,
			})
			switch {
			case status >= http.StatusInternalServerError:
				log.Error("Request failed")
			case status >= http.StatusBadRequest:
				log.Warn("Request rejected")
			default:
				log.Info("Request")
			}
			return nil
		}
	}
}

func isQuiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
