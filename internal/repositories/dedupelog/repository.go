package dedupelog

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
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "dedupe_log"

var columns = []string{"id", "primary_id", "secondary_id", "merge_timestamp"}

// Repository handles dedupe log persistence. Entries are append-only.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dedupe log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a merge entry. A second entry for the same secondary is a
// merge conflict.
func (r *Repository) Insert(ctx context.Context, entry *models.DedupeLogEntry) error {
	ctx, span := tracing.StartSpan(ctx, "dedupelog.Repository.Insert")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.MergeTimestamp.IsZero() {
		entry.MergeTimestamp = time.Now().UTC()
	}

	ib := database.NewInsertBuilder(table, columns...)
	ib.Values(entry.ID, entry.PrimaryID, entry.SecondaryID, entry.MergeTimestamp)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return failures.Wrap(failures.ErrMergeConflict, "dedupe", "log", "secondary "+entry.SecondaryID+" already merged", err)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"primary_id":   entry.PrimaryID,
			"secondary_id": entry.SecondaryID,
		}).Error("Failed to insert dedupe log entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert dedupe log entry")
	}

	return nil
}

// IsPrimary reports whether id is the primary of any logged merge
func (r *Repository) IsPrimary(ctx context.Context, id string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupelog.Repository.IsPrimary")
	defer span.End()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM dedupe_log WHERE primary_id = $1)`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &exists, query, id); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": id}).Error("Failed to check dedupe log primary")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check dedupe log")
	}

	return exists, nil
}

// MergedPairs returns every logged pair touching one of ids
func (r *Repository) MergedPairs(ctx context.Context, ids []string) (models.PairSet, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupelog.Repository.MergedPairs")
	defer span.End()

	pairs := models.PairSet{}
	if len(ids) == 0 {
		return pairs, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Or(
		sb.In("primary_id", sqlbuilder.Flatten(ids)...),
		sb.In("secondary_id", sqlbuilder.Flatten(ids)...),
	))

	query, args := sb.Build()
	var entries []models.DedupeLogEntry
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merged pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merged pairs")
	}

	for _, e := range entries {
		pairs.Add(models.NewPair(e.PrimaryID, e.SecondaryID))
	}
	return pairs, nil
}

// GetBySecondary returns the entry that tombstoned id, or nil
func (r *Repository) GetBySecondary(ctx context.Context, id string) (*models.DedupeLogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupelog.Repository.GetBySecondary")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("secondary_id", id))

	query, args := sb.Build()
	var entry models.DedupeLogEntry
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entry, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get dedupe log entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dedupe log entry")
	}

	return &entry, nil
}

// ListByPrimary returns the merges into id, oldest first
func (r *Repository) ListByPrimary(ctx context.Context, id string) ([]models.DedupeLogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupelog.Repository.ListByPrimary")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("primary_id", id))
	sb.OrderBy("merge_timestamp", "id")

	query, args := sb.Build()
	entries := []models.DedupeLogEntry{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list dedupe log entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dedupe log entries")
	}

	return entries, nil
}
