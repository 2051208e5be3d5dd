package business

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "businesses"

// maxChainDepth bounds the tombstone chain walk.
const maxChainDepth = 64

// fillColumns keep their stored value when an ingested record leaves them empty.
var fillColumns = []string{
	"address", "city", "state", "postal_code", "phone", "website", "vertical",
	"description", "performance_score", "rating", "review_count",
}

// Repository handles business record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new business repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a business by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Business, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.BusinessColumns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var b models.Business
	if err := database.Conn(ctx, r.db).GetContext(ctx, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("business %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": id}).Error("Failed to get business")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get business")
	}

	return &b, nil
}

// GetMany retrieves businesses by ID, ordered by ID. Unknown IDs are skipped.
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]models.Business, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.GetMany")
	defer span.End()

	return r.selectByIDs(ctx, ids, false)
}

// GetForUpdate reads the rows and locks them until the surrounding
// transaction ends. Must be called inside a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, ids ...string) ([]models.Business, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.GetForUpdate")
	defer span.End()

	return r.selectByIDs(ctx, ids, true)
}

func (r *Repository) selectByIDs(ctx context.Context, ids []string, forUpdate bool) ([]models.Business, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.BusinessColumns...)
	sb.From(table)
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))
	sb.OrderBy("id")
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var businesses []models.Business
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &businesses, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": len(ids)}).Error("Failed to get businesses")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get businesses")
	}

	return businesses, nil
}

// ListActive retrieves non-tombstoned businesses ordered by ID
func (r *Repository) ListActive(ctx context.Context, limit int) ([]models.Business, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.ListActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.BusinessColumns...)
	sb.From(table)
	sb.Where(sb.IsNull("merged_into"))
	sb.OrderBy("id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var businesses []models.Business
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &businesses, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list active businesses")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list businesses")
	}

	return businesses, nil
}

// ListActiveByBlockKeys retrieves active businesses whose block key, the
// first prefixLength runes of the compact name, "|" and the postal key, is
// one of keys.
func (r *Repository) ListActiveByBlockKeys(ctx context.Context, keys []string, prefixLength int) ([]models.Business, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.ListActiveByBlockKeys")
	defer span.End()

	businesses := []models.Business{}
	if len(keys) == 0 {
		return businesses, nil
	}

	postals := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, postal, ok := strings.Cut(k, "|"); ok && !slices.Contains(postals, postal) {
			postals = append(postals, postal)
		}
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(models.BusinessColumns...)
	sb.From(table)
	sb.Where(
		sb.IsNull("merged_into"),
		sb.In("postal_key", sqlbuilder.Flatten(postals)...),
		sb.In(fmt.Sprintf("LEFT(name_key, %d) || '|' || postal_key", prefixLength), sqlbuilder.Flatten(keys)...),
	)
	sb.OrderBy("id")

	query, args := sb.Build()
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &businesses, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"keys": len(keys)}).Error("Failed to list businesses by block key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list businesses")
	}

	return businesses, nil
}

func postalKey(b *models.Business) string {
	return normalizers.NormalizeZipCode(models.StringValue(b.PostalCode))
}

// Upsert inserts an ingested business or refreshes an active one. Empty
// incoming fields keep the stored values so fields resolved by a merge
// survive partial upstream records. Tombstoned rows and tombstone columns
// are never touched.
func (r *Repository) Upsert(ctx context.Context, b *models.Business) error {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.Upsert")
	defer span.End()

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}

	ib := database.NewInsertBuilder(table, "id", "name", "address", "city", "state", "postal_code", "phone", "website", "vertical",
		"description", "tech_stack", "performance_score", "rating", "review_count", "name_key", "postal_key", "created_at", "updated_at")
	ib.Values(b.ID, b.Name, b.Address, b.City, b.State, b.PostalCode, b.Phone, b.Website, b.Vertical,
		b.Description, b.TechStack, b.PerformanceScore, b.Rating, b.ReviewCount,
		normalizers.CompactName(b.Name), postalKey(b), b.CreatedAt, b.UpdatedAt)

	assignments := []string{
		"name = EXCLUDED.name",
		"name_key = EXCLUDED.name_key",
		"postal_key = CASE WHEN EXCLUDED.postal_code IS NULL THEN businesses.postal_key ELSE EXCLUDED.postal_key END",
		"tech_stack = CASE WHEN EXCLUDED.tech_stack IN ('null'::jsonb, '[]'::jsonb) THEN businesses.tech_stack ELSE EXCLUDED.tech_stack END",
		"updated_at = EXCLUDED.updated_at",
	}
	for _, col := range fillColumns {
		assignments = append(assignments, ib.Fill(col))
	}
	ib.OnConflictDo([]string{"id"}, "businesses.merged_into IS NULL", assignments...)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": b.ID}).Error("Failed to upsert business")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert business")
	}

	return nil
}

// Update overwrites the mutable fields of an active business
func (r *Repository) Update(ctx context.Context, b *models.Business) error {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.Update")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("name", b.Name),
		ub.Assign("address", b.Address),
		ub.Assign("city", b.City),
		ub.Assign("state", b.State),
		ub.Assign("postal_code", b.PostalCode),
		ub.Assign("phone", b.Phone),
		ub.Assign("website", b.Website),
		ub.Assign("vertical", b.Vertical),
		ub.Assign("description", b.Description),
		ub.Assign("tech_stack", b.TechStack),
		ub.Assign("performance_score", b.PerformanceScore),
		ub.Assign("rating", b.Rating),
		ub.Assign("review_count", b.ReviewCount),
		ub.Assign("name_key", normalizers.CompactName(b.Name)),
		ub.Assign("postal_key", postalKey(b)),
		ub.Assign("updated_at", b.UpdatedAt),
	)
	ub.Where(ub.Equal("id", b.ID), ub.IsNull("merged_into"))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": b.ID}).Error("Failed to update business")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update business")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("active business %s not found", b.ID))
	}

	return nil
}

// Tombstone marks id as merged into canonicalID. Returns false when the
// record was already tombstoned.
func (r *Repository) Tombstone(ctx context.Context, id, canonicalID string, at time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.Tombstone")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("merged_into", canonicalID),
		ub.Assign("merged_at", at),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("id", id), ub.IsNull("merged_into"))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"business_id":  id,
			"canonical_id": canonicalID,
		}).Error("Failed to tombstone business")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to tombstone business")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ResolveCanonical follows the merged_into chain from id to the active record
func (r *Repository) ResolveCanonical(ctx context.Context, id string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "business.Repository.ResolveCanonical")
	defer span.End()

	query := `
		WITH RECURSIVE chain (id, merged_into, depth) AS (
			SELECT id, merged_into, 0 FROM businesses WHERE id = $1
			UNION ALL
			SELECT b.id, b.merged_into, c.depth + 1
			FROM businesses b
			JOIN chain c ON b.id = c.merged_into
			WHERE c.depth < $2
		)
		SELECT id FROM chain WHERE merged_into IS NULL LIMIT 1
	`

	var canonicalID string
	if err := database.Conn(ctx, r.db).GetContext(ctx, &canonicalID, query, id, maxChainDepth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("canonical record for %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"business_id": id}).Error("Failed to resolve canonical business")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve canonical business")
	}

	return canonicalID, nil
}
