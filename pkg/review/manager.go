// Package review manages the human review queue for ambiguous pairs.
package review

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// Store is the review queue persistence.
type Store interface {
	Insert(ctx context.Context, entry *models.ReviewQueueEntry) (*models.ReviewQueueEntry, error)
	Get(ctx context.Context, id string) (*models.ReviewQueueEntry, error)
	GetForUpdate(ctx context.Context, id string) (*models.ReviewQueueEntry, error)
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error)
	Resolve(ctx context.Context, id string, decision models.ReviewDecision, reviewer string, at time.Time) (bool, error)
	CountPending(ctx context.Context) (int, error)
}

// Merger merges a pair inside the caller's transaction and runs the
// post-commit side effects once the caller commits.
type Merger interface {
	Merge(ctx context.Context, aID, bID string) (*models.MergeResult, error)
	Finalize(ctx context.Context, result *models.MergeResult)
}

// Transactor opens a transaction, or joins the one carried by ctx.
type Transactor interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Manager enqueues and resolves review entries.
type Manager struct {
	logger   ectologger.Logger
	store    Store
	tx       Transactor
	locker   lock.Locker
	lockOpts lock.Options
	merger   Merger
	now      func() time.Time
}

// NewManager creates a new review manager
func NewManager(logger ectologger.Logger, store Store, tx Transactor, locker lock.Locker, lockOpts lock.Options, merger Merger) *Manager {
	return &Manager{
		logger:   logger,
		store:    store,
		tx:       tx,
		locker:   locker,
		lockOpts: lockOpts,
		merger:   merger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue queues the pair for review. A pair with an unresolved entry is
// rejected with ErrDuplicateReviewEntry.
func (m *Manager) Enqueue(ctx context.Context, pair models.Pair, reason string, score float64, degraded bool) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.Enqueue")
	defer span.End()

	pair = models.NewPair(pair.A, pair.B)
	if pair.A == "" || pair.A == pair.B {
		return nil, failures.Wrap(failures.ErrValidation, "review", "enqueue", "pair needs two distinct ids", nil)
	}

	entry, err := m.store.Insert(ctx, &models.ReviewQueueEntry{
		Business1ID:     pair.A,
		Business2ID:     pair.B,
		Reason:          reason,
		SimilarityScore: score,
		Degraded:        degraded,
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReviewEnqueued(reason)
	metrics.ReviewPending.Inc()

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"review_id": entry.ID,
		"pair":      pair.String(),
		"reason":    reason,
		"score":     score,
		"degraded":  degraded,
	}).Info("Queued pair for review")

	return entry, nil
}

// Resolve moves an unreviewed entry to its terminal decision. Concurrent
// calls on one entry serialize and only the first succeeds; later calls get
// ErrDuplicateReviewResolution. A merge decision merges the pair in the same
// transaction, so a failed merge leaves the entry unreviewed.
func (m *Manager) Resolve(ctx context.Context, id string, decision models.ReviewDecision, reviewer string) (*models.ReviewResolution, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.Resolve")
	defer span.End()

	reviewer = strings.TrimSpace(reviewer)
	if _, err := utils.Validate(models.ResolveRequest{Decision: decision, Reviewer: reviewer}); err != nil {
		return nil, failures.Wrap(failures.ErrValidation, "review", "resolve", "", err)
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"review_id": id,
		"decision":  decision,
		"reviewer":  reviewer,
	})

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Reviewed {
		return nil, alreadyResolved(id)
	}

	// the review key first, then the pair's records in sorted order
	ctx, releaseEntry, err := lock.Acquire(ctx, m.locker, m.lockOpts, lock.ReviewKey(id))
	if err != nil {
		return nil, lockError(err)
	}
	defer releaseEntry(ctx)

	keys := []string{lock.BusinessKey(current.Business1ID), lock.BusinessKey(current.Business2ID)}
	if decision != models.ReviewDecisionMerge {
		keys = nil
	}
	ctx, releaseRecords, err := lock.Acquire(ctx, m.locker, m.lockOpts, keys...)
	if err != nil {
		return nil, lockError(err)
	}
	defer releaseRecords(ctx)

	ctx, tx, err := m.tx.GetTx(ctx, nil)
	if err != nil {
		return nil, failures.Wrap(failures.ErrTransient, "review", "resolve", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry, err := m.store.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Reviewed {
		return nil, alreadyResolved(id)
	}

	at := m.now()
	ok, err := m.store.Resolve(ctx, id, decision, reviewer, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, alreadyResolved(id)
	}

	resolution := &models.ReviewResolution{}
	if decision == models.ReviewDecisionMerge {
		merge, err := m.merger.Merge(ctx, entry.Business1ID, entry.Business2ID)
		if err != nil {
			log.WithError(err).Warn("Merge for review resolution failed")
			return nil, err
		}
		resolution.Merge = merge
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, failures.Wrap(failures.ErrTransient, "review", "resolve", "commit", err)
	}

	if resolution.Merge != nil && tx.IsOwner() {
		m.merger.Finalize(ctx, resolution.Merge)
	}

	metrics.RecordReviewResolved(string(decision))
	metrics.ReviewPending.Dec()

	entry.Reviewed = true
	entry.ReviewDecision = &decision
	entry.ReviewedBy = &reviewer
	entry.ReviewedAt = &at
	resolution.Entry = entry

	log.Info("Resolved review entry")
	return resolution, nil
}

// List returns entries by reviewed state, oldest first.
func (m *Manager) List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.List")
	defer span.End()

	if filter.State == "" {
		filter.State = models.ReviewStateUnreviewed
	}
	if _, err := utils.Validate(filter); err != nil {
		return nil, failures.Wrap(failures.ErrValidation, "review", "list", "", err)
	}
	return m.store.List(ctx, filter)
}

// Get returns one entry.
func (m *Manager) Get(ctx context.Context, id string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.Get")
	defer span.End()

	return m.store.Get(ctx, id)
}

// SyncPendingGauge sets the pending gauge from storage, for process start.
func (m *Manager) SyncPendingGauge(ctx context.Context) error {
	n, err := m.store.CountPending(ctx)
	if err != nil {
		return err
	}
	metrics.ReviewPending.Set(float64(n))
	return nil
}

func alreadyResolved(id string) error {
	return failures.Wrap(failures.ErrDuplicateReviewResolution, "review", "resolve", "entry "+id, nil)
}

func lockError(err error) error {
	if errors.Is(err, lock.ErrLockNotAcquired) {
		return failures.Wrap(failures.ErrMergeConflict, "review", "resolve", "lock timeout", err)
	}
	return failures.Wrap(failures.ErrTransient, "review", "resolve", "acquire locks", err)
}
