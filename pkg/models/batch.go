package models

import "time"

// BatchRequest asks the coordinator to process a set of businesses. An empty
// ID list means every active business, up to Limit.
type BatchRequest struct {
	BusinessIDs []string `json:"business_ids" validate:"omitempty,dive,required"`
	Limit       int      `json:"limit" validate:"omitempty,gte=1,lte=100000"`
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	BatchID           string            `json:"batch_id"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
	RecordsTotal      int               `json:"records_total"`
	RecordsScored     int               `json:"records_scored"`
	RecordsFailed     int               `json:"records_failed"`
	RecordsMerged     int               `json:"records_merged"`
	PairsEvaluated    int               `json:"pairs_evaluated"`
	Merges            int               `json:"merges"`
	AutoRejects       int               `json:"auto_rejects"`
	ReviewEnqueued    int               `json:"review_enqueued"`
	DegradedPairs     int               `json:"degraded_pairs"`
	SemanticCalls     int               `json:"semantic_calls"`
	Cost              float64           `json:"cost"`
	CostPerLead       float64           `json:"cost_per_lead"`
	RuleEvaluations   map[string]int    `json:"rule_evaluations"`
	CompletionPercent float64           `json:"completion_percent"`
	Success           bool              `json:"success"`
	FailedRecords     map[string]string `json:"failed_records,omitempty"`
}
