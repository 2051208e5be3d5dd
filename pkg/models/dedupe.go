package models

import "time"

// DedupeLogEntry is the immutable audit record of one completed merge.
type DedupeLogEntry struct {
	ID             string    `json:"id" db:"id"`
	PrimaryID      string    `json:"primary_id" db:"primary_id"`
	SecondaryID    string    `json:"secondary_id" db:"secondary_id"`
	MergeTimestamp time.Time `json:"merge_timestamp" db:"merge_timestamp"`
}

// MergeResult describes the outcome of a merge call.
type MergeResult struct {
	CanonicalID string `json:"canonical_id"`
	// TombstonedID is empty when the call was a no-op
	TombstonedID  string          `json:"tombstoned_id,omitempty"`
	AlreadyMerged bool            `json:"already_merged"`
	LogEntry      *DedupeLogEntry `json:"log_entry,omitempty"`
	Canonical     *Business       `json:"canonical,omitempty"`
	// Conflicts names fields where both records had different values
	Conflicts []string `json:"conflicts,omitempty"`
}

// RouteDecision is the Merge Decision Engine's classification of a pair.
type RouteDecision string

const (
	RouteMerge  RouteDecision = "merge"
	RouteReject RouteDecision = "reject"
	RouteReview RouteDecision = "review"
)

// RouteOutcome is what happened to one evaluated pair.
type RouteOutcome struct {
	Pair        Pair              `json:"pair"`
	Score       float64           `json:"score"`
	Degraded    bool              `json:"degraded"`
	Decision    RouteDecision     `json:"decision"`
	Merge       *MergeResult      `json:"merge,omitempty"`
	ReviewEntry *ReviewQueueEntry `json:"review_entry,omitempty"`
	// Skipped is set when the pair was already queued for review
	Skipped bool `json:"skipped"`
}
