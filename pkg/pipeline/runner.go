package pipeline

import (
	"context"
	"sync"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/scoring"
)

// RulesLoader returns the rule set for the next batch.
type RulesLoader func() (*scoring.RuleSet, error)

// FileRules loads the rule set from path on every call, so edits apply to
// the next batch without a restart.
func FileRules(path string) RulesLoader {
	return func() (*scoring.RuleSet, error) {
		return scoring.LoadRules(path)
	}
}

// Runner runs one batch at a time with freshly loaded rules.
type Runner struct {
	mu          sync.Mutex
	coordinator *Coordinator
	rules       RulesLoader
}

// NewRunner creates a new batch runner
func NewRunner(coordinator *Coordinator, rules RulesLoader) *Runner {
	return &Runner{coordinator: coordinator, rules: rules}
}

// RunBatch loads the rules and runs the batch. Concurrent calls queue.
func (r *Runner) RunBatch(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.rules()
	if err != nil {
		return nil, err
	}
	return r.coordinator.RunBatch(ctx, req, rules)
}
