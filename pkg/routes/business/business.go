package business

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
)

const maxHistory = 100

// BusinessReader loads one business.
type BusinessReader interface {
	Get(ctx context.Context, id string) (*models.Business, error)
}

// ScoreReader loads score records.
type ScoreReader interface {
	Latest(ctx context.Context, businessID string) (*models.ScoreRecord, error)
	ListByBusiness(ctx context.Context, businessID string, limit int) ([]models.ScoreRecord, error)
}

// StageReader loads per-stage progress.
type StageReader interface {
	ListByBusiness(ctx context.Context, businessID string) ([]models.StageStatus, error)
}

// MergeLogReader reads the dedupe log around one record.
type MergeLogReader interface {
	GetBySecondary(ctx context.Context, id string) (*models.DedupeLogEntry, error)
	ListByPrimary(ctx context.Context, id string) ([]models.DedupeLogEntry, error)
}

// LineageReader lists records merged into a canonical record.
type LineageReader interface {
	MergedInto(ctx context.Context, id string) ([]string, error)
}

// Handler handles business API requests
type Handler struct {
	businesses BusinessReader
	scores     ScoreReader
	stages     StageReader
	merges     MergeLogReader
	lineage    LineageReader
}

// NewHandler creates a new business handler. lineage may be nil.
func NewHandler(businesses BusinessReader, scores ScoreReader, stages StageReader, merges MergeLogReader, lineage LineageReader) *Handler {
	return &Handler{
		businesses: businesses,
		scores:     scores,
		stages:     stages,
		merges:     merges,
		lineage:    lineage,
	}
}

// RegisterRoutes registers the business routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	businesses := g.Group("/businesses")
	businesses.GET("/:id", h.Get)
	businesses.GET("/:id/score", h.GetScore)
	businesses.GET("/:id/merges", h.GetMerges)
}

// BusinessResponse is a business with its pipeline state.
type BusinessResponse struct {
	Business *models.Business     `json:"business"`
	Stages   []models.StageStatus `json:"stages"`
	// MergedFrom lists records merged into this one, when lineage is enabled
	MergedFrom []string `json:"merged_from,omitempty"`
}

// Get handles GET /businesses/:id
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	b, err := h.businesses.Get(ctx, id)
	if err != nil {
		return err
	}
	stages, err := h.stages.ListByBusiness(ctx, id)
	if err != nil {
		return err
	}

	res := &BusinessResponse{Business: b, Stages: stages}
	if h.lineage != nil && !b.IsTombstoned() {
		if res.MergedFrom, err = h.lineage.MergedInto(ctx, id); err != nil {
			return httperror.NewHTTPError(http.StatusServiceUnavailable, "lineage unavailable")
		}
	}
	return c.JSON(http.StatusOK, res)
}

// GetScore handles GET /businesses/:id/score. With ?history=N it returns
// the newest N records instead of the latest one.
func (h *Handler) GetScore(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if raw := c.QueryParam("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "history must be between 1 and %d", maxHistory)
		}
		records, err := h.scores.ListByBusiness(ctx, id, n)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, records)
	}

	record, err := h.scores.Latest(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no score for business %s", id)
	}
	return c.JSON(http.StatusOK, record)
}

// MergesResponse is the dedupe log around one record.
type MergesResponse struct {
	// MergedBy is the entry that tombstoned the record, if any
	MergedBy *models.DedupeLogEntry `json:"merged_by,omitempty"`
	// Absorbed lists the merges into the record, oldest first
	Absorbed []models.DedupeLogEntry `json:"absorbed"`
}

// GetMerges handles GET /businesses/:id/merges
func (h *Handler) GetMerges(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.businesses.Get(ctx, id); err != nil {
		return err
	}
	mergedBy, err := h.merges.GetBySecondary(ctx, id)
	if err != nil {
		return err
	}
	absorbed, err := h.merges.ListByPrimary(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &MergesResponse{MergedBy: mergedBy, Absorbed: absorbed})
}
