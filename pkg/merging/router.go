package merging

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Thresholds split the similarity range into merge, review and reject bands.
type Thresholds struct {
	Merge  float64 `json:"merge"`
	Reject float64 `json:"reject"`
}

// DefaultThresholds returns sensible defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Merge: 0.92, Reject: 0.55}
}

// Validate requires 0 <= reject < merge <= 1.
func (t Thresholds) Validate() error {
	if t.Reject < 0 || t.Merge > 1 || t.Reject >= t.Merge {
		return failures.Wrap(failures.ErrConfiguration, "dedupe", "thresholds",
			fmt.Sprintf("require 0 <= reject (%.4f) < merge (%.4f) <= 1", t.Reject, t.Merge), nil)
	}
	return nil
}

// Classify maps a score to a decision. Both boundaries are inclusive.
func (t Thresholds) Classify(score float64) models.RouteDecision {
	switch {
	case score >= t.Merge:
		return models.RouteMerge
	case score <= t.Reject:
		return models.RouteReject
	default:
		return models.RouteReview
	}
}

// Merger performs a merge.
type Merger interface {
	Merge(ctx context.Context, aID, bID string) (*models.MergeResult, error)
}

// ReviewQueue accepts ambiguous pairs for human review.
type ReviewQueue interface {
	Enqueue(ctx context.Context, pair models.Pair, reason string, score float64, degraded bool) (*models.ReviewQueueEntry, error)
}

// Router applies the decision for an evaluated pair.
type Router struct {
	logger     ectologger.Logger
	merger     Merger
	queue      ReviewQueue
	thresholds Thresholds
}

// NewRouter creates a new router
func NewRouter(logger ectologger.Logger, merger Merger, queue ReviewQueue, thresholds Thresholds) (*Router, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		logger:     logger,
		merger:     merger,
		queue:      queue,
		thresholds: thresholds,
	}, nil
}

// Thresholds returns the router's thresholds.
func (r *Router) Thresholds() Thresholds {
	return r.thresholds
}

// Route merges, rejects or queues the pair. Rejected pairs leave no trace
// and can resurface in a later batch. A merge refused because both records
// are already merge primaries goes to review instead.
func (r *Router) Route(ctx context.Context, result *matching.Result) (*models.RouteOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Router.Route")
	defer span.End()

	outcome := &models.RouteOutcome{
		Pair:     result.Pair,
		Score:    result.Score,
		Degraded: result.Degraded,
		Decision: r.thresholds.Classify(result.Score),
	}

	switch outcome.Decision {
	case models.RouteMerge:
		merge, err := r.merger.Merge(ctx, result.Pair.A, result.Pair.B)
		if errors.Is(err, failures.ErrMergeCycle) {
			r.logger.WithContext(ctx).WithFields(map[string]any{"pair": result.Pair.String()}).Info("Merge refused, sending pair to review")
			outcome.Decision = models.RouteReview
			return r.enqueue(ctx, outcome, models.ReviewReasonCanonicalConflict)
		}
		if err != nil {
			return nil, err
		}
		outcome.Merge = merge
	case models.RouteReview:
		reason := models.ReviewReasonSimilarityBand
		if result.Degraded {
			reason = models.ReviewReasonNeedsMoreInfo
		}
		return r.enqueue(ctx, outcome, reason)
	}

	return outcome, nil
}

func (r *Router) enqueue(ctx context.Context, outcome *models.RouteOutcome, reason string) (*models.RouteOutcome, error) {
	entry, err := r.queue.Enqueue(ctx, outcome.Pair, reason, outcome.Score, outcome.Degraded)
	if errors.Is(err, failures.ErrDuplicateReviewEntry) {
		outcome.Skipped = true
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}
	outcome.ReviewEntry = entry
	return outcome, nil
}
