package stagestatus

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "stage_status"

var columns = []string{"business_id", "stage", "status", "attempts", "last_error", "batch_id", "updated_at"}

// Repository tracks per-record stage progress
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new stage status repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert records the latest state of one record's stage
func (r *Repository) Upsert(ctx context.Context, status *models.StageStatus) error {
	ctx, span := tracing.StartSpan(ctx, "stagestatus.Repository.Upsert")
	defer span.End()

	status.UpdatedAt = time.Now().UTC()

	ib := database.NewInsertBuilder(table, columns...)
	ib.Values(status.BusinessID, status.Stage, status.Status, status.Attempts, status.LastError, status.BatchID, status.UpdatedAt)
	ib.OnConflictUpdate([]string{"business_id", "stage"}, "status", "attempts", "last_error", "batch_id", "updated_at")

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"business_id": status.BusinessID,
			"stage":       status.Stage,
		}).Error("Failed to upsert stage status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert stage status")
	}

	return nil
}

// ListByBusiness returns every stage status for a business
func (r *Repository) ListByBusiness(ctx context.Context, businessID string) ([]models.StageStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "stagestatus.Repository.ListByBusiness")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("business_id", businessID))
	sb.OrderBy("stage")

	query, args := sb.Build()
	statuses := []models.StageStatus{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &statuses, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": businessID}).Error("Failed to list stage statuses")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stage statuses")
	}

	return statuses, nil
}

// ListFailed returns the records a batch left in the failed state
func (r *Repository) ListFailed(ctx context.Context, batchID string) ([]models.StageStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "stagestatus.Repository.ListFailed")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("batch_id", batchID), sb.Equal("status", models.StageStateFailed))
	sb.OrderBy("business_id", "stage")

	query, args := sb.Build()
	statuses := []models.StageStatus{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &statuses, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_id": batchID}).Error("Failed to list failed stage statuses")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list failed stage statuses")
	}

	return statuses, nil
}
