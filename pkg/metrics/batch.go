package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Rule evaluation outcomes.
const (
	RuleMatched   = "matched"
	RuleUnmatched = "unmatched"
	RuleDefaulted = "defaulted"
)

// BatchStats accumulates one batch's counters. A new value is created per
// batch and flushed to the Prometheus surface when the batch ends.
type BatchStats struct {
	mu sync.Mutex

	pairsEvaluated int
	decisions      map[models.RouteDecision]int
	merges         int
	autoRejects    int
	reviewEnqueued int
	degraded       int
	semanticCalls  int
	scored         int
	ruleOutcomes   map[string]map[string]int
	stageFailures  map[models.Stage]int
}

func NewBatchStats() *BatchStats {
	return &BatchStats{
		decisions:     make(map[models.RouteDecision]int),
		ruleOutcomes:  make(map[string]map[string]int),
		stageFailures: make(map[models.Stage]int),
	}
}

// RecordRoute counts one routed pair.
func (s *BatchStats) RecordRoute(outcome *models.RouteOutcome, semanticCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pairsEvaluated++
	s.decisions[outcome.Decision]++
	s.semanticCalls += semanticCalls
	if outcome.Degraded {
		s.degraded++
	}
	switch outcome.Decision {
	case models.RouteMerge:
		if outcome.Merge != nil && !outcome.Merge.AlreadyMerged {
			s.merges++
		}
	case models.RouteReject:
		s.autoRejects++
	case models.RouteReview:
		if !outcome.Skipped {
			s.reviewEnqueued++
		}
	}
}

// RecordRules counts rule outcomes for one scored record.
func (s *BatchStats) RecordRules(outcomes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for rule, outcome := range outcomes {
		byOutcome, ok := s.ruleOutcomes[rule]
		if !ok {
			byOutcome = make(map[string]int)
			s.ruleOutcomes[rule] = byOutcome
		}
		byOutcome[outcome]++
	}
}

// RecordScored counts one scored lead.
func (s *BatchStats) RecordScored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scored++
}

// RecordStageFailure counts one record that exhausted a stage's retries.
func (s *BatchStats) RecordStageFailure(stage models.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageFailures[stage]++
}

// Fill copies the counters into report and derives cost and completion.
// RecordsTotal and FailedRecords must already be set.
func (s *BatchStats) Fill(report *models.BatchReport, costPerCall float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report.PairsEvaluated = s.pairsEvaluated
	report.Merges = s.merges
	report.RecordsMerged = s.merges
	report.AutoRejects = s.autoRejects
	report.ReviewEnqueued = s.reviewEnqueued
	report.DegradedPairs = s.degraded
	report.SemanticCalls = s.semanticCalls
	report.RecordsScored = s.scored
	report.RecordsFailed = len(report.FailedRecords)
	report.Cost = float64(s.semanticCalls) * costPerCall
	if s.scored > 0 {
		report.CostPerLead = report.Cost / float64(s.scored)
	}

	report.RuleEvaluations = make(map[string]int, len(s.ruleOutcomes))
	for rule, byOutcome := range s.ruleOutcomes {
		total := 0
		for _, n := range byOutcome {
			total += n
		}
		report.RuleEvaluations[rule] = total
	}

	if report.RecordsTotal > 0 {
		report.CompletionPercent = float64(report.RecordsTotal-report.RecordsFailed) / float64(report.RecordsTotal) * 100
	} else {
		report.CompletionPercent = 100
	}
	report.Success = report.RecordsFailed == 0
}

// Flush publishes the batch counters and the derived report gauges.
func (s *BatchStats) Flush(report *models.BatchReport, duration time.Duration) {
	s.mu.Lock()
	ruleOutcomes := make(map[string]map[string]int, len(s.ruleOutcomes))
	for rule, byOutcome := range s.ruleOutcomes {
		ruleOutcomes[rule] = maps.Clone(byOutcome)
	}
	stageFailures := maps.Clone(s.stageFailures)
	decisions := maps.Clone(s.decisions)
	s.mu.Unlock()

	for decision, n := range decisions {
		PairsEvaluated.WithLabelValues(string(decision)).Add(float64(n))
	}
	DegradedEvaluations.Add(float64(report.DegradedPairs))
	SemanticCalls.Add(float64(report.SemanticCalls))
	StageCost.WithLabelValues(string(models.StageDedupe)).Add(report.Cost)

	for rule, byOutcome := range ruleOutcomes {
		for outcome, n := range byOutcome {
			RuleEvaluations.WithLabelValues(rule, outcome).Add(float64(n))
		}
	}
	for stage, n := range stageFailures {
		StageFailures.WithLabelValues(string(stage)).Add(float64(n))
	}

	status := "success"
	success := 1.0
	if !report.Success {
		status = "partial"
		success = 0
	}
	BatchesTotal.WithLabelValues(status).Inc()
	BatchDuration.Observe(duration.Seconds())
	BatchCompletionPercent.Set(report.CompletionPercent)
	BatchSuccess.Set(success)
	CostPerLead.Set(report.CostPerLead)
}
