package review

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// Service is the review workflow behind the routes.
type Service interface {
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error)
	Get(ctx context.Context, id string) (*models.ReviewQueueEntry, error)
	Resolve(ctx context.Context, id string, decision models.ReviewDecision, reviewer string) (*models.ReviewResolution, error)
}

// Handler handles review queue API requests
type Handler struct {
	svc Service
}

// NewHandler creates a new review handler
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the review routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	review := g.Group("/review")
	review.GET("", h.List)
	review.GET("/:id", h.Get)
	review.POST("/:id/resolve", h.Resolve)
}

// List handles GET /review
func (h *Handler) List(c echo.Context) error {
	filter, err := utils.BindQuery[models.ReviewFilter](c)
	if err != nil {
		return err
	}

	entries, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// Get handles GET /review/:id
func (h *Handler) Get(c echo.Context) error {
	entry, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

type resolveBody struct {
	Decision models.ReviewDecision `json:"decision"`
	Reviewer string                `json:"reviewer"`
}

// Resolve handles POST /review/:id/resolve. The reviewer defaults to the
// calling user when the body names none.
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	var body resolveBody
	if err := c.Bind(&body); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reviewer := strings.TrimSpace(body.Reviewer)
	if reviewer == "" {
		reviewer = appctx.GetUserID(ctx)
	}

	res, err := h.svc.Resolve(ctx, c.Param("id"), body.Decision, reviewer)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
