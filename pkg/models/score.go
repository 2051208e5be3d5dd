package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// ScoreRecord is one computed lead score. The latest record per business is
// authoritative; older rows stay for audit.
type ScoreRecord struct {
	ID               string                             `json:"id" db:"id"`
	BusinessID       string                             `json:"business_id" db:"business_id"`
	TotalScore       float64                            `json:"total_score" db:"total_score"`
	ComponentScores  database.JSONB[map[string]float64] `json:"component_scores" db:"component_scores"`
	AppliedWeights   database.JSONB[map[string]float64] `json:"applied_weights" db:"applied_weights"`
	DefaultsApplied  database.JSONB[[]string]           `json:"defaults_applied" db:"defaults_applied"`
	RulesVersion     string                             `json:"rules_version" db:"rules_version"`
	InputFingerprint string                             `json:"input_fingerprint" db:"input_fingerprint"`
	CreatedAt        time.Time                          `json:"created_at" db:"created_at"`
}

// ScoreRecordColumns lists the score_records columns in select order.
var ScoreRecordColumns = []string{
	"id", "business_id", "total_score", "component_scores", "applied_weights",
	"defaults_applied", "rules_version", "input_fingerprint", "created_at",
}

// SameInputs reports whether other was computed from the same record state and rules.
func (s *ScoreRecord) SameInputs(other *ScoreRecord) bool {
	if s == nil || other == nil {
		return false
	}
	return s.InputFingerprint == other.InputFingerprint && s.RulesVersion == other.RulesVersion
}
