package batch

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// Runner runs one batch.
type Runner interface {
	RunBatch(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error)
}

// FailureReader lists the records a batch failed.
type FailureReader interface {
	ListFailed(ctx context.Context, batchID string) ([]models.StageStatus, error)
}

// Handler handles batch API requests
type Handler struct {
	runner   Runner
	failures FailureReader
}

// NewHandler creates a new batch handler
func NewHandler(runner Runner, failures FailureReader) *Handler {
	return &Handler{runner: runner, failures: failures}
}

// RegisterRoutes registers the batch routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	batches := g.Group("/batches")
	batches.POST("", h.Run)
	batches.GET("/:id/failures", h.ListFailures)
}

// Run handles POST /batches. The batch runs synchronously and the report
// is returned; a partially failed batch is still 200.
func (h *Handler) Run(c echo.Context) error {
	req, err := utils.BindRequest[models.BatchRequest](c)
	if err != nil {
		return err
	}

	report, err := h.runner.RunBatch(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// ListFailures handles GET /batches/:id/failures
func (h *Handler) ListFailures(c echo.Context) error {
	failed, err := h.failures.ListFailed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, failed)
}
