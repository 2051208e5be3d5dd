// Package pipeline runs batches through the dedupe and scoring stages.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/scoring"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// BusinessStore loads batch records.
type BusinessStore interface {
	GetMany(ctx context.Context, ids []string) ([]models.Business, error)
	ListActive(ctx context.Context, limit int) ([]models.Business, error)
}

// StageStore records per-record stage progress.
type StageStore interface {
	Upsert(ctx context.Context, status *models.StageStatus) error
}

// PairGenerator blocks records into candidate pairs.
type PairGenerator interface {
	Generate(ctx context.Context, records []models.Business) (*blocking.Candidates, error)
	Peers(ctx context.Context, records []models.Business) ([]models.Business, error)
}

// PairEvaluator scores one pair.
type PairEvaluator interface {
	Evaluate(ctx context.Context, a, b *models.Business) *matching.Result
}

// PairRouter merges, rejects or queues an evaluated pair.
type PairRouter interface {
	Route(ctx context.Context, result *matching.Result) (*models.RouteOutcome, error)
}

// Scorer scores one stored business.
type Scorer interface {
	Score(ctx context.Context, businessID string) (*scoring.Outcome, error)
}

// ScorerFactory binds a scorer to the batch's rule set.
type ScorerFactory func(engine *scoring.Engine) Scorer

// LeadEmitter hands scored leads to downstream consumers.
type LeadEmitter interface {
	EmitLeadScored(ctx context.Context, record *models.ScoreRecord, business *models.Business) error
}

// Config tunes batch execution.
type Config struct {
	Workers             int         `json:"workers"`
	Retry               RetryPolicy `json:"retry"`
	CostPerSemanticCall float64     `json:"cost_per_semantic_call"`
	// DefaultLimit caps batches that name no ids
	DefaultLimit int `json:"default_limit"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             8,
		Retry:               DefaultRetryPolicy(),
		CostPerSemanticCall: 0.0001,
		DefaultLimit:        10000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return failures.Wrap(failures.ErrConfiguration, "pipeline", "config", "workers must be >= 1", nil)
	}
	if c.CostPerSemanticCall < 0 {
		return failures.Wrap(failures.ErrConfiguration, "pipeline", "config", "cost per semantic call must be >= 0", nil)
	}
	return c.Retry.Validate()
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithEmitter emits a lead.scored event for every scored record.
func WithEmitter(e LeadEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// Coordinator runs batches.
type Coordinator struct {
	logger     ectologger.Logger
	cfg        Config
	businesses BusinessStore
	stages     StageStore
	generator  PairGenerator
	evaluator  PairEvaluator
	router     PairRouter
	scorers    ScorerFactory
	emitter    LeadEmitter
}

// NewCoordinator creates a new pipeline coordinator
func NewCoordinator(
	logger ectologger.Logger,
	cfg Config,
	businesses BusinessStore,
	stages StageStore,
	generator PairGenerator,
	evaluator PairEvaluator,
	router PairRouter,
	scorers ScorerFactory,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		logger:     logger,
		cfg:        cfg,
		businesses: businesses,
		stages:     stages,
		generator:  generator,
		evaluator:  evaluator,
		router:     router,
		scorers:    scorers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// batch is the state of one RunBatch call.
type batch struct {
	id    string
	stats *metrics.BatchStats

	mu         sync.Mutex
	failed     map[string]string
	tombstoned map[string]bool
	canonical  map[string]bool
}

func (b *batch) fail(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.failed[id]; !ok {
		b.failed[id] = err.Error()
	}
}

func (b *batch) hasFailed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.failed[id]
	return ok
}

func (b *batch) tombstone(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tombstoned[id] = true
}

func (b *batch) isTombstoned(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tombstoned[id]
}

func (b *batch) merged(canonicalID, tombstonedID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tombstoned[tombstonedID] = true
	b.canonical[canonicalID] = true
}

// absorbed returns the peers that became canonical during the batch.
func (b *batch) absorbed(peers []models.Business) []models.Business {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Business
	for _, p := range peers {
		if b.canonical[p.ID] && !b.tombstoned[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// RunBatch dedupes then scores a set of records. Per-record failures are
// recorded in the report and never stop the batch; invalid configuration
// or rules and unreachable storage do.
func (c *Coordinator) RunBatch(ctx context.Context, req models.BatchRequest, rules *scoring.RuleSet) (*models.BatchReport, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.RunBatch")
	defer span.End()

	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if rules == nil {
		return nil, failures.Wrap(failures.ErrConfiguration, "pipeline", "run batch", "no rule set", nil)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if _, err := utils.Validate(req); err != nil {
		return nil, failures.Wrap(failures.ErrValidation, "pipeline", "run batch", "", err)
	}

	b := &batch{
		id:         uuid.New().String(),
		stats:      metrics.NewBatchStats(),
		failed:     make(map[string]string),
		tombstoned: make(map[string]bool),
		canonical:  make(map[string]bool),
	}
	report := &models.BatchReport{BatchID: b.id, StartedAt: time.Now().UTC()}
	span.SetAttributes(attribute.String("batch.id", b.id))

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":      b.id,
		"rules_version": rules.RulesVersion(),
	})

	records, err := c.load(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	report.RecordsTotal = len(records)
	span.SetAttributes(attribute.Int("batch.records", len(records)))
	log.WithFields(map[string]any{"records": len(records)}).Info("Starting batch")

	peers, err := c.peers(ctx, req, records)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	if err := c.dedupe(ctx, b, records, peers); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	// stored peers that absorbed a batch record get a fresh score
	if absorbed := b.absorbed(peers); len(absorbed) > 0 {
		records = append(records, absorbed...)
		report.RecordsTotal = len(records)
	}
	if err := c.score(ctx, b, records, rules); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	report.FinishedAt = time.Now().UTC()
	b.mu.Lock()
	report.FailedRecords = b.failed
	b.mu.Unlock()
	b.stats.Fill(report, c.cfg.CostPerSemanticCall)
	b.stats.Flush(report, report.FinishedAt.Sub(report.StartedAt))

	log.WithFields(map[string]any{
		"records_scored":     report.RecordsScored,
		"records_failed":     report.RecordsFailed,
		"merges":             report.Merges,
		"review_enqueued":    report.ReviewEnqueued,
		"completion_percent": report.CompletionPercent,
		"success":            report.Success,
	}).Info("Batch finished")

	return report, nil
}

// load returns the active records of the batch.
func (c *Coordinator) load(ctx context.Context, req models.BatchRequest) ([]models.Business, error) {
	var (
		records []models.Business
		err     error
	)
	if len(req.BusinessIDs) > 0 {
		records, err = c.businesses.GetMany(ctx, req.BusinessIDs)
	} else {
		limit := req.Limit
		if limit == 0 {
			limit = c.cfg.DefaultLimit
		}
		records, err = c.businesses.ListActive(ctx, limit)
	}
	if err != nil {
		return nil, failures.Wrap(failures.ErrTransient, "pipeline", "load records", "", err)
	}

	active := records[:0]
	for _, r := range records {
		if !r.IsTombstoned() {
			active = append(active, r)
		}
	}
	return active, nil
}

// peers loads the stored records that share a block with an id-scoped
// batch. Unscoped batches already cover the active set.
func (c *Coordinator) peers(ctx context.Context, req models.BatchRequest, records []models.Business) ([]models.Business, error) {
	if len(req.BusinessIDs) == 0 {
		return nil, nil
	}
	peers, err := c.generator.Peers(ctx, records)
	if err != nil {
		return nil, failures.Wrap(failures.ErrTransient, "pipeline", "load block peers", "", err)
	}
	return peers, nil
}

// dedupe evaluates and routes every candidate pair over the batch records
// and their peers. Blocks run in parallel; the pairs of one block run in
// order so each sees the block's earlier merges. Peers are only marked when
// a pair they take part in fails.
func (c *Coordinator) dedupe(ctx context.Context, b *batch, records, peers []models.Business) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.dedupe")
	defer span.End()

	for i := range records {
		c.setStage(ctx, b, records[i].ID, models.StageDedupe, models.StageStateProcessing, 0, nil)
	}

	pool := append(slices.Clip(records), peers...)
	candidates, err := c.generator.Generate(ctx, pool)
	if err != nil {
		return failures.Wrap(failures.ErrTransient, "pipeline", "generate candidates", "", err)
	}

	byID := make(map[string]models.Business, len(pool))
	for _, r := range pool {
		byID[r.ID] = r
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, block := range candidates.Blocks {
		local := make(map[string]*models.Business, len(block.IDs))
		for _, id := range block.IDs {
			r := byID[id]
			local[id] = &r
		}
		g.Go(func() error {
			return c.dedupeBlock(gctx, b, candidates, block, local)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range records {
		if !b.hasFailed(r.ID) {
			c.setStage(ctx, b, r.ID, models.StageDedupe, models.StageStateDone, 0, nil)
		}
	}
	return nil
}

func (c *Coordinator) dedupeBlock(ctx context.Context, b *batch, candidates *blocking.Candidates, block blocking.Block, local map[string]*models.Business) error {
	for pair := range candidates.Pairs(block) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.isTombstoned(pair.A) || b.isTombstoned(pair.B) || b.hasFailed(pair.A) || b.hasFailed(pair.B) {
			continue
		}

		var outcome *models.RouteOutcome
		semanticCalls := 0
		attempts, err := c.cfg.Retry.retry(ctx, models.StageDedupe, "route pair", func(ctx context.Context) error {
			result := c.evaluator.Evaluate(ctx, local[pair.A], local[pair.B])
			semanticCalls += result.SemanticCalls
			var err error
			outcome, err = c.router.Route(ctx, result)
			return err
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"batch_id": b.id,
				"pair":     pair.String(),
				"attempts": attempts,
			}).Warn("Pair failed, marking records failed")
			for _, id := range []string{pair.A, pair.B} {
				b.fail(id, err)
				b.stats.RecordStageFailure(models.StageDedupe)
				c.setStage(ctx, b, id, models.StageDedupe, models.StageStateFailed, attempts, err)
			}
			continue
		}

		b.stats.RecordRoute(outcome, semanticCalls)
		if m := outcome.Merge; m != nil && !m.AlreadyMerged {
			b.merged(m.CanonicalID, m.TombstonedID)
			if m.Canonical != nil {
				canonical := *m.Canonical
				local[m.CanonicalID] = &canonical
			}
		}
	}
	return nil
}

// score scores every record that survived dedupe. Records merged away are
// skipped; records that failed dedupe are left out of scoring.
func (c *Coordinator) score(ctx context.Context, b *batch, records []models.Business, rules *scoring.RuleSet) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.score")
	defer span.End()

	scorer := c.scorers(scoring.NewEngine(rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, r := range records {
		id := r.ID
		switch {
		case b.hasFailed(id):
			continue
		case b.isTombstoned(id):
			c.setStage(ctx, b, id, models.StageScoring, models.StageStateSkipped, 0, nil)
			continue
		}

		g.Go(func() error {
			return c.scoreOne(gctx, b, scorer, id)
		})
	}
	return g.Wait()
}

func (c *Coordinator) scoreOne(ctx context.Context, b *batch, scorer Scorer, id string) error {
	c.setStage(ctx, b, id, models.StageScoring, models.StageStateProcessing, 0, nil)

	var outcome *scoring.Outcome
	attempts, err := c.cfg.Retry.retry(ctx, models.StageScoring, "score", func(ctx context.Context) error {
		var err error
		outcome, err = scorer.Score(ctx, id)
		if err != nil {
			return err
		}
		if c.emitter != nil {
			return c.emitter.EmitLeadScored(ctx, outcome.Record, outcome.Business)
		}
		return nil
	})

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, failures.ErrTombstoned):
		// merged by another process after this batch loaded it
		b.tombstone(id)
		c.setStage(ctx, b, id, models.StageScoring, models.StageStateSkipped, attempts, nil)
		return nil
	case err != nil:
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id":    b.id,
			"business_id": id,
			"attempts":    attempts,
		}).Warn("Scoring failed, marking record failed")
		b.fail(id, err)
		b.stats.RecordStageFailure(models.StageScoring)
		c.setStage(ctx, b, id, models.StageScoring, models.StageStateFailed, attempts, err)
		return nil
	}

	b.stats.RecordScored()
	b.stats.RecordRules(outcome.Result.Outcomes)
	c.setStage(ctx, b, id, models.StageScoring, models.StageStateDone, attempts, nil)
	return nil
}

// setStage records stage progress. Failures to record are logged only.
func (c *Coordinator) setStage(ctx context.Context, b *batch, id string, stage models.Stage, state models.StageState, attempts int, cause error) {
	status := &models.StageStatus{
		BusinessID: id,
		Stage:      stage,
		Status:     state,
		Attempts:   attempts,
		BatchID:    b.id,
		UpdatedAt:  time.Now().UTC(),
	}
	if cause != nil {
		msg := cause.Error()
		status.LastError = &msg
	}
	if err := c.stages.Upsert(context.WithoutCancel(ctx), status); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"business_id": id,
			"stage":       stage,
			"status":      state,
		}).Warn("Failed to record stage status")
	}
}
