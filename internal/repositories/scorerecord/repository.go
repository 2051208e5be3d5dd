package scorerecord

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "score_records"

// Repository handles score record persistence. Records are append-only; the
// newest per business is authoritative.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new score record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a score record
func (r *Repository) Insert(ctx context.Context, record *models.ScoreRecord) error {
	ctx, span := tracing.StartSpan(ctx, "scorerecord.Repository.Insert")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ib := database.NewInsertBuilder(table, models.ScoreRecordColumns...)
	ib.Values(record.ID, record.BusinessID, record.TotalScore, record.ComponentScores, record.AppliedWeights,
		record.DefaultsApplied, record.RulesVersion, record.InputFingerprint, record.CreatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": record.BusinessID}).Error("Failed to insert score record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert score record")
	}

	return nil
}

// Latest returns the newest score record for a business, or nil
func (r *Repository) Latest(ctx context.Context, businessID string) (*models.ScoreRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "scorerecord.Repository.Latest")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.ScoreRecordColumns...)
	sb.From(table)
	sb.Where(sb.Equal("business_id", businessID))
	sb.OrderBy("created_at DESC", "id DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var record models.ScoreRecord
	if err := database.Conn(ctx, r.db).GetContext(ctx, &record, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": businessID}).Error("Failed to get latest score record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get score record")
	}

	return &record, nil
}

// ListByBusiness returns the score history for a business, newest first
func (r *Repository) ListByBusiness(ctx context.Context, businessID string, limit int) ([]models.ScoreRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "scorerecord.Repository.ListByBusiness")
	defer span.End()

	if limit < 1 || limit > 100 {
		limit = 20
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.ScoreRecordColumns...)
	sb.From(table)
	sb.Where(sb.Equal("business_id", businessID))
	sb.OrderBy("created_at DESC", "id DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	records := []models.ScoreRecord{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": businessID}).Error("Failed to list score records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list score records")
	}

	return records, nil
}
