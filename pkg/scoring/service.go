package scoring

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// BusinessReader loads the record to score.
type BusinessReader interface {
	Get(ctx context.Context, id string) (*models.Business, error)
}

// ScoreStore persists score records.
type ScoreStore interface {
	Insert(ctx context.Context, record *models.ScoreRecord) error
	Latest(ctx context.Context, businessID string) (*models.ScoreRecord, error)
}

// fingerprintExclude lists bookkeeping fields that never change a score.
var fingerprintExclude = []string{"created_at", "updated_at", "merged_at"}

// Outcome is the result of scoring one business.
type Outcome struct {
	Record   *models.ScoreRecord
	Business *models.Business
	// Result is the fresh evaluation, including rule outcomes
	Result *Result
	// Created is false when the latest record already had the same inputs
	Created bool
}

// Service scores stored businesses under the per-record lock.
type Service struct {
	logger     ectologger.Logger
	locker     lock.Locker
	lockOpts   lock.Options
	businesses BusinessReader
	scores     ScoreStore
	engine     *Engine
}

// NewService creates a new scoring service bound to one rule set
func NewService(logger ectologger.Logger, locker lock.Locker, lockOpts lock.Options, businesses BusinessReader, scores ScoreStore, engine *Engine) *Service {
	return &Service{
		logger:     logger,
		locker:     locker,
		lockOpts:   lockOpts,
		businesses: businesses,
		scores:     scores,
		engine:     engine,
	}
}

// Score computes the business's score and stores it unless the latest
// record was computed from the same record state and rules. Tombstoned
// records are refused with ErrTombstoned.
func (s *Service) Score(ctx context.Context, businessID string) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "scoring.Service.Score")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{"business_id": businessID})

	ctx, release, err := lock.Acquire(ctx, s.locker, s.lockOpts, lock.BusinessKey(businessID))
	if err != nil {
		if errors.Is(err, lock.ErrLockNotAcquired) {
			return nil, failures.Wrap(failures.ErrMergeConflict, "scoring", "score", "record lock timeout", err)
		}
		return nil, failures.Wrap(failures.ErrTransient, "scoring", "score", "acquire record lock", err)
	}
	defer release(ctx)

	b, err := s.businesses.Get(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if b.IsTombstoned() {
		return nil, failures.Wrap(failures.ErrTombstoned, "scoring", "score", businessID+" merged into "+models.StringValue(b.MergedInto), nil)
	}

	fp, err := fingerprint.FromStruct(b, fingerprintExclude...)
	if err != nil {
		return nil, failures.Wrap(failures.ErrValidation, "scoring", "fingerprint", businessID, err)
	}

	result := s.engine.Score(b)
	record := &models.ScoreRecord{
		BusinessID:       businessID,
		TotalScore:       result.Total,
		ComponentScores:  database.NewJSONB(result.Components),
		AppliedWeights:   database.NewJSONB(result.AppliedWeights),
		DefaultsApplied:  database.NewJSONB(result.DefaultsApplied),
		RulesVersion:     s.engine.Rules().RulesVersion(),
		InputFingerprint: fp,
	}

	latest, err := s.scores.Latest(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if latest.SameInputs(record) {
		log.Debug("Score inputs unchanged, keeping latest record")
		metrics.LeadsScored.WithLabelValues("unchanged").Inc()
		return &Outcome{Record: latest, Business: b, Result: result}, nil
	}

	record.ID = uuid.New().String()
	if err := s.scores.Insert(ctx, record); err != nil {
		return nil, err
	}
	metrics.LeadsScored.WithLabelValues("scored").Inc()

	if len(result.DefaultsApplied) > 0 {
		log.WithFields(map[string]any{"defaults_applied": result.DefaultsApplied}).Debug("Scored with defaults for missing fields")
	}
	log.WithFields(map[string]any{
		"total_score":   record.TotalScore,
		"rules_version": record.RulesVersion,
	}).Info("Scored business")

	return &Outcome{Record: record, Business: b, Result: result, Created: true}, nil
}
