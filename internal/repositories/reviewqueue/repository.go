package reviewqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

const table = "review_queue"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Repository handles review queue persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new review queue repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert creates an unreviewed entry. The partial unique index on the pair
// rejects a second unresolved entry.
func (r *Repository) Insert(ctx context.Context, entry *models.ReviewQueueEntry) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.Insert")
	defer span.End()

	pair := models.NewPair(entry.Business1ID, entry.Business2ID)
	entry.Business1ID, entry.Business2ID = pair.A, pair.B
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Reviewed = false
	entry.ReviewDecision = nil
	entry.ReviewedBy = nil
	entry.ReviewedAt = nil

	ib := database.NewInsertBuilder(table, "id", "business1_id", "business2_id", "reason", "similarity_score", "degraded", "reviewed", "created_at")
	ib.Values(entry.ID, entry.Business1ID, entry.Business2ID, entry.Reason, entry.SimilarityScore, entry.Degraded, false, entry.CreatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, failures.Wrap(failures.ErrDuplicateReviewEntry, "review", "enqueue", pair.String(), nil)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"pair": pair.String()}).Error("Failed to insert review queue entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert review queue entry")
	}

	return entry, nil
}

// Get retrieves an entry by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.Get")
	defer span.End()

	return r.get(ctx, id, false)
}

// GetForUpdate retrieves an entry and locks its row for the surrounding transaction
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, id, true)
}

func (r *Repository) get(ctx context.Context, id string, forUpdate bool) (*models.ReviewQueueEntry, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.ReviewQueueColumns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var entry models.ReviewQueueEntry
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entry, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("review entry %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"review_id": id}).Error("Failed to get review queue entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get review queue entry")
	}

	return &entry, nil
}

type reviewedPair struct {
	Business1ID string    `db:"business1_id"`
	Business2ID string    `db:"business2_id"`
	ReviewedAt  time.Time `db:"reviewed_at"`
}

// ReviewedPairs returns when each resolved pair with both sides in ids was
// last resolved
func (r *Repository) ReviewedPairs(ctx context.Context, ids []string) (map[models.Pair]time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.ReviewedPairs")
	defer span.End()

	reviewed := make(map[models.Pair]time.Time)
	if len(ids) < 2 {
		return reviewed, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("business1_id", "business2_id", sb.As("MAX(reviewed_at)", "reviewed_at"))
	sb.From(table)
	sb.Where(
		sb.Equal("reviewed", true),
		sb.In("business1_id", sqlbuilder.Flatten(ids)...),
		sb.In("business2_id", sqlbuilder.Flatten(ids)...),
	)
	sb.GroupBy("business1_id", "business2_id")

	query, args := sb.Build()
	var rows []reviewedPair
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list reviewed pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list reviewed pairs")
	}

	for _, row := range rows {
		reviewed[models.NewPair(row.Business1ID, row.Business2ID)] = row.ReviewedAt
	}
	return reviewed, nil
}

// List retrieves entries by reviewed state, oldest first
func (r *Repository) List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.List")
	defer span.End()

	limit := filter.Limit
	if limit < 1 || limit > maxLimit {
		limit = defaultLimit
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.ReviewQueueColumns...)
	sb.From(table)
	switch filter.State {
	case models.ReviewStateReviewed:
		sb.Where(sb.Equal("reviewed", true))
	case models.ReviewStateUnreviewed:
		sb.Where(sb.Equal("reviewed", false))
	}
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	entries := []models.ReviewQueueEntry{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list review queue entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list review queue entries")
	}

	return entries, nil
}

// Resolve moves an unreviewed entry to its terminal decision. Returns false
// when the entry was already resolved.
func (r *Repository) Resolve(ctx context.Context, id string, decision models.ReviewDecision, reviewer string, at time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.Resolve")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("reviewed", true),
		ub.Assign("review_decision", string(decision)),
		ub.Assign("reviewed_by", models.StringPtr(reviewer)),
		ub.Assign("reviewed_at", at),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("reviewed", false))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"review_id": id}).Error("Failed to resolve review queue entry")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve review queue entry")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// CountPending returns the number of unresolved entries
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.CountPending")
	defer span.End()

	var count int
	query := `SELECT COUNT(*) FROM review_queue WHERE reviewed = FALSE`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &count, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count pending review entries")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count pending review entries")
	}

	return count, nil
}
