// Package merging classifies evaluated pairs and performs transactional
// merges of duplicate business records.
package merging

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// BusinessStore is the business persistence the engine needs.
type BusinessStore interface {
	GetForUpdate(ctx context.Context, ids ...string) ([]models.Business, error)
	Update(ctx context.Context, b *models.Business) error
	Tombstone(ctx context.Context, id, canonicalID string, at time.Time) (bool, error)
	ResolveCanonical(ctx context.Context, id string) (string, error)
}

// DedupeLog is the merge audit log.
type DedupeLog interface {
	Insert(ctx context.Context, entry *models.DedupeLogEntry) error
	IsPrimary(ctx context.Context, id string) (bool, error)
}

// Transactor opens a transaction, or joins the one carried by ctx.
type Transactor interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// LineageProjector mirrors committed merges into the lineage graph.
type LineageProjector interface {
	ProjectMerge(ctx context.Context, entry models.DedupeLogEntry) error
}

// MergePublisher announces committed merges downstream.
type MergePublisher interface {
	PublishMerge(ctx context.Context, result *models.MergeResult) error
}

// Engine performs merges.
type Engine struct {
	logger      ectologger.Logger
	tx          Transactor
	locker      lock.Locker
	lockOpts    lock.Options
	businesses  BusinessStore
	dedupeLog   DedupeLog
	fieldMerger *FieldMerger
	lineage     LineageProjector
	publisher   MergePublisher
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithLineage projects merges into a lineage graph after commit.
func WithLineage(p LineageProjector) Option {
	return func(e *Engine) { e.lineage = p }
}

// WithPublisher publishes merge events after commit.
func WithPublisher(p MergePublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine creates a new merge engine
func NewEngine(
	logger ectologger.Logger,
	tx Transactor,
	locker lock.Locker,
	lockOpts lock.Options,
	businesses BusinessStore,
	dedupeLog DedupeLog,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger,
		tx:          tx,
		locker:      locker,
		lockOpts:    lockOpts,
		businesses:  businesses,
		dedupeLog:   dedupeLog,
		fieldMerger: NewFieldMerger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge merges two records into one canonical record. When either record is
// already tombstoned nothing is written and the result carries the existing
// canonical id with AlreadyMerged set. When ctx carries a transaction the
// merge joins it and the caller must call Finalize after committing.
func (e *Engine) Merge(ctx context.Context, aID, bID string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge",
		attribute.String("business.a", aID),
		attribute.String("business.b", bID),
	)
	defer span.End()

	if aID == bID {
		return nil, failures.Wrap(failures.ErrValidation, "dedupe", "merge", "cannot merge a record with itself", nil)
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"business_a": aID,
		"business_b": bID,
	})

	ctx, release, err := lock.Acquire(ctx, e.locker, e.lockOpts, lock.BusinessKey(aID), lock.BusinessKey(bID))
	if err != nil {
		if errors.Is(err, lock.ErrLockNotAcquired) {
			return nil, failures.Wrap(failures.ErrMergeConflict, "dedupe", "merge", "record lock timeout", err)
		}
		return nil, failures.Wrap(failures.ErrTransient, "dedupe", "merge", "acquire record locks", err)
	}
	defer release(ctx)

	ctx, tx, err := e.tx.GetTx(ctx, nil)
	if err != nil {
		return nil, failures.Wrap(failures.ErrTransient, "dedupe", "merge", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := e.mergeLocked(ctx, aID, bID)
	if err != nil {
		tracing.Fail(span, err)
		log.WithError(err).Warn("Merge failed")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		err = failures.Wrap(failures.ErrTransient, "dedupe", "merge", "commit", err)
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("business.canonical", result.CanonicalID))

	if result.AlreadyMerged {
		log.WithFields(map[string]any{"canonical_id": result.CanonicalID}).Debug("Pair already merged")
		return result, nil
	}

	log.WithFields(map[string]any{
		"canonical_id":  result.CanonicalID,
		"tombstoned_id": result.TombstonedID,
		"conflicts":     result.Conflicts,
	}).Info("Merged businesses")

	if tx.IsOwner() {
		e.Finalize(ctx, result)
	}
	return result, nil
}

func (e *Engine) mergeLocked(ctx context.Context, aID, bID string) (*models.MergeResult, error) {
	rows, err := e.businesses.GetForUpdate(ctx, aID, bID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Business, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	a, b := byID[aID], byID[bID]
	if a == nil || b == nil {
		missing := aID
		if a != nil {
			missing = bID
		}
		return nil, failures.Wrap(failures.ErrNotFound, "dedupe", "merge", "business "+missing, nil)
	}

	if a.IsTombstoned() || b.IsTombstoned() {
		return e.alreadyMerged(ctx, a, b)
	}

	canonical, other, err := e.chooseCanonical(ctx, a, b)
	if err != nil {
		return nil, err
	}

	merged, conflicts := e.fieldMerger.Merge(canonical, other)
	if err := e.businesses.Update(ctx, merged); err != nil {
		return nil, err
	}

	now := merged.UpdatedAt
	ok, err := e.businesses.Tombstone(ctx, other.ID, canonical.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failures.Wrap(failures.ErrMergeConflict, "dedupe", "merge", "record "+other.ID+" tombstoned concurrently", nil)
	}

	entry := &models.DedupeLogEntry{
		PrimaryID:      canonical.ID,
		SecondaryID:    other.ID,
		MergeTimestamp: now,
	}
	if err := e.dedupeLog.Insert(ctx, entry); err != nil {
		return nil, err
	}

	return &models.MergeResult{
		CanonicalID:  canonical.ID,
		TombstonedID: other.ID,
		LogEntry:     entry,
		Canonical:    merged,
		Conflicts:    conflicts,
	}, nil
}

// alreadyMerged answers a pair with a tombstoned side without writing. The
// canonical id is the root of the tombstoned side's chain, or of the lower id
// when both sides are tombstoned. Canonical records that differ stay separate
// here; blocking pairs them directly once they share a block.
func (e *Engine) alreadyMerged(ctx context.Context, a, b *models.Business) (*models.MergeResult, error) {
	side := a
	if !a.IsTombstoned() || (b.IsTombstoned() && b.ID < a.ID) {
		side = b
	}
	canonicalID, err := e.businesses.ResolveCanonical(ctx, side.ID)
	if err != nil {
		return nil, err
	}
	return &models.MergeResult{CanonicalID: canonicalID, AlreadyMerged: true}, nil
}

// chooseCanonical keeps an existing merge primary canonical so a record
// other records were merged into is never tombstoned. Otherwise the more
// complete record wins, then the lowest id.
func (e *Engine) chooseCanonical(ctx context.Context, a, b *models.Business) (*models.Business, *models.Business, error) {
	aPrimary, err := e.dedupeLog.IsPrimary(ctx, a.ID)
	if err != nil {
		return nil, nil, err
	}
	bPrimary, err := e.dedupeLog.IsPrimary(ctx, b.ID)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case aPrimary && bPrimary:
		return nil, nil, failures.Wrap(failures.ErrMergeCycle, "dedupe", "merge", "both "+a.ID+" and "+b.ID+" are merge primaries", nil)
	case aPrimary:
		return a, b, nil
	case bPrimary:
		return b, a, nil
	}

	ca, cb := a.NonNullCount(), b.NonNullCount()
	switch {
	case ca > cb:
		return a, b, nil
	case cb > ca:
		return b, a, nil
	case a.ID < b.ID:
		return a, b, nil
	default:
		return b, a, nil
	}
}

// Finalize runs the post-commit side effects of a merge. Failures are logged
// and never undo the merge.
func (e *Engine) Finalize(ctx context.Context, result *models.MergeResult) {
	if result == nil || result.AlreadyMerged || result.LogEntry == nil {
		return
	}

	metrics.MergesTotal.Inc()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"canonical_id":  result.CanonicalID,
		"tombstoned_id": result.TombstonedID,
	})

	if e.lineage != nil {
		if err := e.lineage.ProjectMerge(ctx, *result.LogEntry); err != nil {
			log.WithError(err).Warn("Failed to project merge lineage")
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishMerge(ctx, result); err != nil {
			log.WithError(err).Warn("Failed to publish merge event")
		}
	}
}
