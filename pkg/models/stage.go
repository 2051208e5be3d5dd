package models

import "time"

// Stage names a pipeline stage.
type Stage string

const (
	StageDedupe  Stage = "dedupe"
	StageScoring Stage = "scoring"
)

// StageState is the per-record progress of one stage.
type StageState string

const (
	StageStatePending    StageState = "pending"
	StageStateProcessing StageState = "processing"
	StageStateDone       StageState = "done"
	StageStateFailed     StageState = "failed"
	StageStateSkipped    StageState = "skipped"
)

// StageStatus tracks one record's progress through one stage.
type StageStatus struct {
	BusinessID string     `json:"business_id" db:"business_id"`
	Stage      Stage      `json:"stage" db:"stage"`
	Status     StageState `json:"status" db:"status"`
	Attempts   int        `json:"attempts" db:"attempts"`
	LastError  *string    `json:"last_error,omitempty" db:"last_error"`
	BatchID    string     `json:"batch_id" db:"batch_id"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
