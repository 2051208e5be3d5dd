package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// HeaderUserID is the header carrying the calling user, recorded as reviewer.
	HeaderUserID = "X-User-ID"
	// HeaderTraceID echoes the request's trace id when tracing is on.
	HeaderTraceID = "X-Trace-ID"

	maxRequestIDLength = 128
)

// Context stores the request and user ids on the request context. A missing
// or oversized inbound request id is replaced with a fresh uuid.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = uuid.NewString()
			}
			res.Header().Set(echo.HeaderXRequestID, requestID)

			ctx := context.SetRequestID(req.Context(), requestID)
			ctx = context.SetUserID(ctx, req.Header.Get(HeaderUserID))
			if traceID := tracing.GetTraceID(ctx); traceID != "" {
				res.Header().Set(HeaderTraceID, traceID)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
