package merging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
)

type recordingLineage struct {
	mu      sync.Mutex
	entries []models.DedupeLogEntry
}

func (r *recordingLineage) ProjectMerge(_ context.Context, entry models.DedupeLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) PublishMerge(context.Context, *models.MergeResult) error {
	p.calls++
	return errors.New("broker unavailable")
}

type recordingQueue struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (q *recordingQueue) Enqueue(_ context.Context, pair models.Pair, reason string, score float64, degraded bool) (*models.ReviewQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.reasons = append(q.reasons, reason)
	return &models.ReviewQueueEntry{ID: "r-" + pair.String(), Business1ID: pair.A, Business2ID: pair.B, Reason: reason, SimilarityScore: score, Degraded: degraded}, nil
}

var lockOpts = lock.Options{TTL: time.Second, Timeout: 200 * time.Millisecond}

func newEngine(store *testutil.Store, opts ...Option) *Engine {
	return NewEngine(testutil.Logger(), store.Transactor(), lock.NewMemoryLocker(), lockOpts, store.Businesses(), store.DedupeLog(), opts...)
}

func duplicate(id string, updated time.Time) models.Business {
	return models.Business{
		ID:         id,
		Name:       "Acme Plumbing",
		Address:    models.StringPtr("12 Main St"),
		PostalCode: models.StringPtr("78701"),
		Phone:      models.StringPtr("5125550100"),
		TechStack:  database.NewJSONB([]string{"wordpress"}),
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func TestEngine_Merge_ExactDuplicate(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
	lineage := &recordingLineage{}
	publisher := &failingPublisher{}
	engine := newEngine(store, WithLineage(lineage), WithPublisher(publisher))

	result, err := engine.Merge(context.Background(), "b", "a")
	require.NoError(t, err)

	assert.Equal(t, "a", result.CanonicalID, "equal completeness falls back to lowest id")
	assert.Equal(t, "b", result.TombstonedID)
	assert.False(t, result.AlreadyMerged)

	b, _ := store.Business("b")
	require.True(t, b.IsTombstoned())
	assert.Equal(t, "a", *b.MergedInto)

	entries := store.LogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].PrimaryID)
	assert.Equal(t, "b", entries[0].SecondaryID)

	assert.Len(t, lineage.entries, 1)
	assert.Equal(t, 1, publisher.calls, "publish failures do not fail the merge")
}

func TestEngine_Merge_Idempotent(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
	engine := newEngine(store)

	first, err := engine.Merge(context.Background(), "a", "b")
	require.NoError(t, err)

	second, err := engine.Merge(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, second.AlreadyMerged)
	assert.Equal(t, first.CanonicalID, second.CanonicalID)

	third, err := engine.Merge(context.Background(), "b", "a")
	require.NoError(t, err)
	assert.Equal(t, first.CanonicalID, third.CanonicalID)

	assert.Len(t, store.LogEntries(), 1)
}

func TestEngine_Merge_Concurrent(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
	engine := newEngine(store)

	var wg sync.WaitGroup
	canonicals := make([]string, 8)
	errs := make([]error, 8)
	for i := range canonicals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := "a", "b"
			if i%2 == 1 {
				x, y = y, x
			}
			res, err := engine.Merge(context.Background(), x, y)
			errs[i] = err
			if err == nil {
				canonicals[i] = res.CanonicalID
			}
		}(i)
	}
	wg.Wait()

	for i := range canonicals {
		require.NoError(t, errs[i])
		assert.Equal(t, "a", canonicals[i])
	}
	assert.Len(t, store.LogEntries(), 1)
}

func TestEngine_Merge_MoreCompleteRecordWins(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sparse := duplicate("a", ts)
	sparse.Phone = nil
	rich := duplicate("b", ts)
	rich.Website = models.StringPtr("acme.com")

	store := testutil.NewStore(sparse, rich)
	result, err := newEngine(store).Merge(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", result.CanonicalID)
	assert.Equal(t, "5125550100", models.StringValue(result.Canonical.Phone))
}

func TestEngine_Merge_PrimaryStaysCanonical(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := duplicate("c", ts)
	c.Website = models.StringPtr("acme.com")
	c.Vertical = models.StringPtr("plumbing")
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts), c)
	engine := newEngine(store)

	// b absorbs a, making b a primary
	_, err := engine.Merge(context.Background(), "b", "a")
	require.NoError(t, err)
	entries := store.LogEntries()
	require.Len(t, entries, 1)
	primary := entries[0].PrimaryID

	// c is more complete but primary must not be tombstoned
	result, err := engine.Merge(context.Background(), primary, "c")
	require.NoError(t, err)
	assert.Equal(t, primary, result.CanonicalID)
	assert.Equal(t, "c", result.TombstonedID)
}

func TestEngine_Merge_BothPrimariesIsCycle(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts), duplicate("c", ts), duplicate("d", ts))
	engine := newEngine(store)

	_, err := engine.Merge(context.Background(), "a", "b")
	require.NoError(t, err)
	_, err = engine.Merge(context.Background(), "c", "d")
	require.NoError(t, err)

	_, err = engine.Merge(context.Background(), "a", "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failures.ErrMergeCycle))
	assert.False(t, failures.Retryable(err))
	assert.Len(t, store.LogEntries(), 2)
}

func TestEngine_Merge_RollsBackOnLogFailure(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
	store.BeforeLogInsert = func(*models.DedupeLogEntry) error {
		return failures.Wrap(failures.ErrTransient, "dedupe", "log", "connection reset", nil)
	}

	_, err := newEngine(store).Merge(context.Background(), "a", "b")
	require.Error(t, err)
	assert.True(t, failures.Retryable(err))

	b, _ := store.Business("b")
	assert.False(t, b.IsTombstoned(), "tombstone rolled back with the failed log insert")
	assert.Empty(t, store.LogEntries())
}

func TestEngine_Merge_LockTimeoutIsMergeConflict(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
	locker := lock.NewMemoryLocker()
	engine := NewEngine(testutil.Logger(), store.Transactor(), locker, lock.Options{Timeout: 20 * time.Millisecond}, store.Businesses(), store.DedupeLog())

	held, err := locker.TryAcquire(context.Background(), lock.BusinessKey("b"), time.Second, time.Second)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	_, err = engine.Merge(context.Background(), "a", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failures.ErrMergeConflict))
	assert.True(t, failures.Retryable(err))
}

func TestEngine_Merge_MissingRecord(t *testing.T) {
	store := testutil.NewStore(duplicate("a", time.Now()))

	_, err := newEngine(store).Merge(context.Background(), "a", "zzz")
	assert.True(t, errors.Is(err, failures.ErrNotFound))
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds()
	require.NoError(t, th.Validate())

	tests := []struct {
		score    float64
		expected models.RouteDecision
	}{
		{score: 1.0, expected: models.RouteMerge},
		{score: 0.92, expected: models.RouteMerge},
		{score: 0.9199, expected: models.RouteReview},
		{score: 0.7, expected: models.RouteReview},
		{score: 0.5501, expected: models.RouteReview},
		{score: 0.55, expected: models.RouteReject},
		{score: 0.0, expected: models.RouteReject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, th.Classify(tt.score), "score %v", tt.score)
	}

	for _, bad := range []Thresholds{{Merge: 0.5, Reject: 0.5}, {Merge: 1.1, Reject: 0.5}, {Merge: 0.9, Reject: -0.1}, {Merge: 0.4, Reject: 0.6}} {
		err := bad.Validate()
		assert.True(t, errors.Is(err, failures.ErrConfiguration), "%+v", bad)
	}
}

func TestRouter_Route(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("merge band merges", func(t *testing.T) {
		store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
		queue := &recordingQueue{}
		router, err := NewRouter(testutil.Logger(), newEngine(store), queue, DefaultThresholds())
		require.NoError(t, err)

		outcome, err := router.Route(context.Background(), &matching.Result{Pair: models.NewPair("a", "b"), Score: 0.92})
		require.NoError(t, err)
		assert.Equal(t, models.RouteMerge, outcome.Decision)
		require.NotNil(t, outcome.Merge)
		assert.Equal(t, "a", outcome.Merge.CanonicalID)
		assert.Empty(t, queue.reasons)
	})

	t.Run("reject band persists nothing", func(t *testing.T) {
		store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts))
		queue := &recordingQueue{}
		router, _ := NewRouter(testutil.Logger(), newEngine(store), queue, DefaultThresholds())

		outcome, err := router.Route(context.Background(), &matching.Result{Pair: models.NewPair("a", "b"), Score: 0.55})
		require.NoError(t, err)
		assert.Equal(t, models.RouteReject, outcome.Decision)
		assert.Empty(t, queue.reasons)
		assert.Empty(t, store.LogEntries())
	})

	t.Run("review band queues with reason", func(t *testing.T) {
		queue := &recordingQueue{}
		router, _ := NewRouter(testutil.Logger(), newEngine(testutil.NewStore()), queue, DefaultThresholds())

		outcome, err := router.Route(context.Background(), &matching.Result{Pair: models.NewPair("a", "b"), Score: 0.7})
		require.NoError(t, err)
		assert.Equal(t, models.RouteReview, outcome.Decision)
		require.NotNil(t, outcome.ReviewEntry)

		_, err = router.Route(context.Background(), &matching.Result{Pair: models.NewPair("c", "d"), Score: 0.7, Degraded: true})
		require.NoError(t, err)
		assert.Equal(t, []string{models.ReviewReasonSimilarityBand, models.ReviewReasonNeedsMoreInfo}, queue.reasons)
	})

	t.Run("pending review entry is a no-op", func(t *testing.T) {
		queue := &recordingQueue{err: failures.Wrap(failures.ErrDuplicateReviewEntry, "review", "enqueue", "a|b", nil)}
		router, _ := NewRouter(testutil.Logger(), newEngine(testutil.NewStore()), queue, DefaultThresholds())

		outcome, err := router.Route(context.Background(), &matching.Result{Pair: models.NewPair("a", "b"), Score: 0.7})
		require.NoError(t, err)
		assert.True(t, outcome.Skipped)
		assert.Nil(t, outcome.ReviewEntry)
	})

	t.Run("merge cycle goes to review", func(t *testing.T) {
		store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts), duplicate("c", ts), duplicate("d", ts))
		engine := newEngine(store)
		_, err := engine.Merge(context.Background(), "a", "b")
		require.NoError(t, err)
		_, err = engine.Merge(context.Background(), "c", "d")
		require.NoError(t, err)

		queue := &recordingQueue{}
		router, _ := NewRouter(testutil.Logger(), engine, queue, DefaultThresholds())
		outcome, err := router.Route(context.Background(), &matching.Result{Pair: models.NewPair("a", "c"), Score: 0.99})
		require.NoError(t, err)
		assert.Equal(t, models.RouteReview, outcome.Decision)
		assert.Equal(t, []string{models.ReviewReasonCanonicalConflict}, queue.reasons)
	})

	t.Run("invalid thresholds", func(t *testing.T) {
		_, err := NewRouter(testutil.Logger(), nil, nil, Thresholds{Merge: 0.5, Reject: 0.6})
		assert.Error(t, err)
	})
}

func TestEngine_Merge_TombstonedSideWritesNothing(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := testutil.NewStore(duplicate("a", ts), duplicate("b", ts), duplicate("c", ts), duplicate("d", ts))
	engine := newEngine(store)

	_, err := engine.Merge(context.Background(), "a", "b")
	require.NoError(t, err)
	_, err = engine.Merge(context.Background(), "c", "d")
	require.NoError(t, err)
	require.Len(t, store.LogEntries(), 2)

	tests := []struct {
		name      string
		a, b      string
		canonical string
	}{
		{name: "tombstoned first", a: "b", b: "c", canonical: "a"},
		{name: "tombstoned second", a: "c", b: "b", canonical: "a"},
		{name: "both tombstoned", a: "d", b: "b", canonical: "a"},
		{name: "tombstoned with active partner", a: "d", b: "a", canonical: "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Merge(context.Background(), tt.a, tt.b)
			require.NoError(t, err)
			assert.True(t, result.AlreadyMerged)
			assert.Equal(t, tt.canonical, result.CanonicalID)
			assert.Empty(t, result.TombstonedID)
		})
	}

	c, _ := store.Business("c")
	assert.False(t, c.IsTombstoned())
	a, _ := store.Business("a")
	assert.False(t, a.IsTombstoned())
	assert.Len(t, store.LogEntries(), 2)
}
