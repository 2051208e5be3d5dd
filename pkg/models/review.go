package models

import "time"

// ReviewDecision is the terminal state of a review queue entry.
type ReviewDecision string

const (
	ReviewDecisionMerge         ReviewDecision = "merge"
	ReviewDecisionKeepSeparate  ReviewDecision = "keep_separate"
	ReviewDecisionNeedsMoreInfo ReviewDecision = "needs_more_info"
)

// Valid reports whether d is one of the enumerated decisions.
func (d ReviewDecision) Valid() bool {
	switch d {
	case ReviewDecisionMerge, ReviewDecisionKeepSeparate, ReviewDecisionNeedsMoreInfo:
		return true
	}
	return false
}

// Review reasons recorded when a pair is queued.
const (
	ReviewReasonSimilarityBand    = "similarity_band"
	ReviewReasonNeedsMoreInfo     = "needs_more_info"
	ReviewReasonCanonicalConflict = "canonical_conflict"
)

// ReviewQueueEntry is a pair awaiting (or past) human adjudication.
type ReviewQueueEntry struct {
	ID              string          `json:"id" db:"id"`
	Business1ID     string          `json:"business1_id" db:"business1_id"`
	Business2ID     string          `json:"business2_id" db:"business2_id"`
	Reason          string          `json:"reason" db:"reason"`
	SimilarityScore float64         `json:"similarity_score" db:"similarity_score"`
	Degraded        bool            `json:"degraded" db:"degraded"`
	Reviewed        bool            `json:"reviewed" db:"reviewed"`
	ReviewDecision  *ReviewDecision `json:"review_decision,omitempty" db:"review_decision"`
	ReviewedBy      *string         `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ReviewQueueColumns lists the review_queue columns in select order.
var ReviewQueueColumns = []string{
	"id", "business1_id", "business2_id", "reason", "similarity_score", "degraded",
	"reviewed", "review_decision", "reviewed_by", "reviewed_at", "created_at",
}

// Pair returns the entry's business pair.
func (e *ReviewQueueEntry) Pair() Pair {
	return NewPair(e.Business1ID, e.Business2ID)
}

// ReviewState filters list queries.
type ReviewState string

const (
	ReviewStateAll        ReviewState = "all"
	ReviewStateReviewed   ReviewState = "reviewed"
	ReviewStateUnreviewed ReviewState = "unreviewed"
)

// ReviewFilter is the read-only query for the review queue.
type ReviewFilter struct {
	State  ReviewState `query:"state" validate:"omitempty,oneof=all reviewed unreviewed"`
	Limit  int         `query:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int         `query:"offset" validate:"omitempty,gte=0"`
}

// ResolveRequest is the body of a review resolution.
type ResolveRequest struct {
	Decision ReviewDecision `json:"decision" validate:"required,oneof=merge keep_separate needs_more_info"`
	Reviewer string         `json:"reviewer" validate:"required,max=255"`
}

// ReviewResolution is the outcome of resolving an entry.
type ReviewResolution struct {
	Entry *ReviewQueueEntry `json:"entry"`
	Merge *MergeResult      `json:"merge,omitempty"`
}
