package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/review"
	"github.com/Ramsey-B/clover/pkg/scoring"
)

const testRules = `
version: "test"
rules:
  - name: has_phone
    field: phone
    base_contribution: 40
    predicate:
      op: exists
  - name: has_website
    field: website
    base_contribution: 30
    default_contribution: 5
    predicate:
      op: exists
`

var lockOpts = lock.Options{TTL: time.Second, Timeout: 500 * time.Millisecond}

type recordingEmitter struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEmitter) EmitLeadScored(_ context.Context, record *models.ScoreRecord, _ *models.Business) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, record.BusinessID)
	return nil
}

func (e *recordingEmitter) emitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := slices.Clone(e.ids)
	slices.Sort(out)
	return out
}

type fixture struct {
	store       *testutil.Store
	reviews     *review.Manager
	emitter     *recordingEmitter
	coordinator *Coordinator
	rules       *scoring.RuleSet
}

func newFixture(t *testing.T, businesses ...models.Business) *fixture {
	t.Helper()

	store := testutil.NewStore(businesses...)
	logger := testutil.Logger()
	locker := lock.NewMemoryLocker()

	engine := merging.NewEngine(logger, store.Transactor(), locker, lockOpts, store.Businesses(), store.DedupeLog())
	manager := review.NewManager(logger, store.Reviews(), store.Transactor(), locker, lockOpts, engine)
	router, err := merging.NewRouter(logger, engine, manager, merging.DefaultThresholds())
	require.NoError(t, err)
	evaluator, err := matching.NewEvaluator(logger, nil, matching.DefaultConfig())
	require.NoError(t, err)

	rules, err := scoring.ParseRules([]byte(testRules))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	emitter := &recordingEmitter{}
	coordinator := NewCoordinator(
		logger,
		cfg,
		store.Businesses(),
		store.Stages(),
		blocking.NewGenerator(logger, store.DedupeLog(), blocking.DefaultConfig(),
			blocking.WithReviewLog(store.Reviews()),
			blocking.WithPeers(store.Businesses()),
		),
		evaluator,
		router,
		func(e *scoring.Engine) Scorer {
			return scoring.NewService(logger, locker, lockOpts, store.Businesses(), store.Scores(), e)
		},
		WithEmitter(emitter),
	)

	return &fixture{store: store, reviews: manager, emitter: emitter, coordinator: coordinator, rules: rules}
}

// fixedEvaluator scores every pair the same.
type fixedEvaluator struct{ score float64 }

func (e fixedEvaluator) Evaluate(_ context.Context, a, b *models.Business) *matching.Result {
	return &matching.Result{Pair: models.NewPair(a.ID, b.ID), Score: e.score, Lexical: e.score}
}

func business(id, name, postal string) models.Business {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.Business{
		ID:         id,
		Name:       name,
		Address:    models.StringPtr("12 Main St"),
		PostalCode: models.StringPtr(postal),
		Phone:      models.StringPtr("512-555-0100"),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
}

func batchRecords() []models.Business {
	return []models.Business{
		business("a1", "Acme Plumbing", "78701"),
		business("a2", "Acme Plumbing", "78701"),
		business("b3", "Zephyr Dental", "78702"),
		business("c4", "Bolt Electric", "78703"),
	}
}

func TestCoordinator_RunBatch(t *testing.T) {
	f := newFixture(t, batchRecords()...)
	ctx := context.Background()

	report, err := f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)

	assert.NotEmpty(t, report.BatchID)
	assert.Equal(t, 4, report.RecordsTotal)
	assert.Equal(t, 1, report.PairsEvaluated)
	assert.Equal(t, 1, report.Merges)
	assert.Equal(t, 3, report.RecordsScored)
	assert.Equal(t, 0, report.RecordsFailed)
	assert.Equal(t, 100.0, report.CompletionPercent)
	assert.True(t, report.Success)
	assert.Equal(t, 3, report.RuleEvaluations["has_phone"])
	assert.Zero(t, report.SemanticCalls)
	assert.Zero(t, report.Cost)

	a2, _ := f.store.Business("a2")
	assert.True(t, a2.IsTombstoned())
	assert.Equal(t, "a1", models.StringValue(a2.MergedInto))

	scored := map[string]float64{}
	for _, r := range f.store.ScoreRecords() {
		scored[r.BusinessID] = r.TotalScore
	}
	assert.Equal(t, map[string]float64{"a1": 45, "b3": 45, "c4": 45}, scored)
	assert.Equal(t, []string{"a1", "b3", "c4"}, f.emitter.emitted())

	status, ok := f.store.StageStatus("a2", models.StageScoring)
	require.True(t, ok)
	assert.Equal(t, models.StageStateSkipped, status.Status)
	status, ok = f.store.StageStatus("a1", models.StageDedupe)
	require.True(t, ok)
	assert.Equal(t, models.StageStateDone, status.Status)
	assert.Equal(t, report.BatchID, status.BatchID)
}

func TestCoordinator_RunBatch_ScoringFailureIsIsolated(t *testing.T) {
	f := newFixture(t, batchRecords()...)
	var calls int
	var mu sync.Mutex
	f.store.BeforeScoreInsert = func(record *models.ScoreRecord) error {
		if record.BusinessID != "b3" {
			return nil
		}
		mu.Lock()
		calls++
		mu.Unlock()
		return failures.Wrap(failures.ErrTransient, "test", "insert score", "connection reset", nil)
	}

	report, err := f.coordinator.RunBatch(context.Background(), models.BatchRequest{}, f.rules)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, report.RecordsScored)
	assert.Equal(t, 1, report.RecordsFailed)
	assert.Equal(t, 75.0, report.CompletionPercent)
	assert.False(t, report.Success)
	require.Contains(t, report.FailedRecords, "b3")
	assert.Contains(t, report.FailedRecords["b3"], "gave up after 3 attempts")

	status, ok := f.store.StageStatus("b3", models.StageScoring)
	require.True(t, ok)
	assert.Equal(t, models.StageStateFailed, status.Status)
	assert.Equal(t, 3, status.Attempts)
	require.NotNil(t, status.LastError)

	assert.Equal(t, []string{"a1", "c4"}, f.emitter.emitted())
}

func TestCoordinator_RunBatch_DedupeFailureSkipsScoring(t *testing.T) {
	records := append(batchRecords(),
		business("d5", "Delta Cafe", "78704"),
		business("d6", "Delta Cafe", "78704"),
	)
	f := newFixture(t, records...)
	f.store.BeforeGetForUpdate = func(ids []string) error {
		if slices.Contains(ids, "d6") {
			return failures.Wrap(failures.ErrTransient, "test", "lock rows", "deadlock detected", nil)
		}
		return nil
	}

	report, err := f.coordinator.RunBatch(context.Background(), models.BatchRequest{}, f.rules)
	require.NoError(t, err)

	assert.Equal(t, 6, report.RecordsTotal)
	assert.Equal(t, 1, report.Merges)
	assert.Equal(t, 3, report.RecordsScored)
	assert.Equal(t, 2, report.RecordsFailed)
	assert.Contains(t, report.FailedRecords, "d5")
	assert.Contains(t, report.FailedRecords, "d6")

	for _, id := range []string{"d5", "d6"} {
		status, ok := f.store.StageStatus(id, models.StageDedupe)
		require.True(t, ok)
		assert.Equal(t, models.StageStateFailed, status.Status)
		assert.Equal(t, 3, status.Attempts)

		_, scored := f.store.StageStatus(id, models.StageScoring)
		assert.False(t, scored, "records that failed dedupe are not scored")
		b, _ := f.store.Business(id)
		assert.False(t, b.IsTombstoned())
	}
	assert.Equal(t, []string{"a1", "b3", "c4"}, f.emitter.emitted())
}

func TestCoordinator_RunBatch_SelectedIDs(t *testing.T) {
	f := newFixture(t, batchRecords()...)

	report, err := f.coordinator.RunBatch(context.Background(), models.BatchRequest{BusinessIDs: []string{"b3", "c4"}}, f.rules)
	require.NoError(t, err)

	assert.Equal(t, 2, report.RecordsTotal)
	assert.Zero(t, report.PairsEvaluated)
	assert.Equal(t, 2, report.RecordsScored)

	a2, _ := f.store.Business("a2")
	assert.False(t, a2.IsTombstoned())
}

func TestCoordinator_RunBatch_SelectedIDsMergeWithStoredPeers(t *testing.T) {
	f := newFixture(t, batchRecords()...)

	report, err := f.coordinator.RunBatch(context.Background(), models.BatchRequest{BusinessIDs: []string{"a2"}}, f.rules)
	require.NoError(t, err)

	assert.Equal(t, 1, report.PairsEvaluated)
	assert.Equal(t, 1, report.Merges)
	assert.Equal(t, 2, report.RecordsTotal, "the absorbing peer joins the batch")
	assert.Equal(t, 1, report.RecordsScored)
	assert.Len(t, f.store.LogEntries(), 1)

	a2, _ := f.store.Business("a2")
	assert.Equal(t, "a1", models.StringValue(a2.MergedInto))
	assert.Equal(t, []string{"a1"}, f.emitter.emitted())

	_, marked := f.store.StageStatus("a1", models.StageDedupe)
	assert.False(t, marked, "peers get no dedupe marks")
	status, ok := f.store.StageStatus("a2", models.StageScoring)
	require.True(t, ok)
	assert.Equal(t, models.StageStateSkipped, status.Status)
}

func TestCoordinator_RunBatch_ReviewedPairsStaySettled(t *testing.T) {
	f := newFixture(t, batchRecords()...)
	f.coordinator.evaluator = fixedEvaluator{score: 0.7}
	ctx := context.Background()

	report, err := f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReviewEnqueued)
	entries := f.store.ReviewEntries()
	require.Len(t, entries, 1)

	_, err = f.reviews.Resolve(ctx, entries[0].ID, models.ReviewDecisionKeepSeparate, "ops@example.com")
	require.NoError(t, err)

	report, err = f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)
	assert.Zero(t, report.PairsEvaluated)
	assert.Zero(t, report.ReviewEnqueued)
	assert.Len(t, f.store.ReviewEntries(), 1)

	// a changed record resurfaces the pair
	a1, _ := f.store.Business("a1")
	a1.Website = models.StringPtr("https://acme.example.com")
	a1.UpdatedAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, f.store.Businesses().Update(ctx, &a1))

	report, err = f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PairsEvaluated)
	assert.Equal(t, 1, report.ReviewEnqueued)
	assert.Len(t, f.store.ReviewEntries(), 2)
}

func TestCoordinator_RunBatch_Rerun(t *testing.T) {
	f := newFixture(t, batchRecords()...)
	ctx := context.Background()

	_, err := f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)
	report, err := f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	require.NoError(t, err)

	assert.Equal(t, 3, report.RecordsTotal, "tombstoned records are not loaded")
	assert.Zero(t, report.Merges)
	assert.Len(t, f.store.LogEntries(), 1)
	assert.Len(t, f.store.ScoreRecords(), 3, "unchanged records keep their score")
}

func TestCoordinator_RunBatch_Errors(t *testing.T) {
	f := newFixture(t, batchRecords()...)
	ctx := context.Background()

	_, err := f.coordinator.RunBatch(ctx, models.BatchRequest{}, nil)
	assert.True(t, errors.Is(err, failures.ErrConfiguration))

	_, err = f.coordinator.RunBatch(ctx, models.BatchRequest{Limit: -1}, f.rules)
	assert.True(t, errors.Is(err, failures.ErrValidation))

	f.coordinator.cfg.Workers = 0
	_, err = f.coordinator.RunBatch(ctx, models.BatchRequest{}, f.rules)
	assert.True(t, errors.Is(err, failures.ErrConfiguration))
	assert.True(t, failures.BatchFatal(err))
}
