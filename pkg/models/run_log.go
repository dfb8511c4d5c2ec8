package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/stem/pkg/database"
)

// RunStatus represents the outcome of a pipeline run
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailure RunStatus = "failure"
)

// RunMeta holds per-run counters recorded alongside the log entry
type RunMeta struct {
	Pages             int `json:"pages"`
	Fetched           int `json:"fetched"`
	Skipped           int `json:"skipped"`
	Removed           int `json:"removed"`
	FetchRetries      int `json:"fetch_retries"`
	TokenRefreshes    int `json:"token_refreshes"`
	RoundedQuantities int `json:"rounded_quantities,omitempty"`
}

// RunLog is one append-only audit row per pipeline invocation
type RunLog struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	PipelineName  string                 `db:"pipeline_name" json:"pipeline_name"`
	Status        RunStatus              `db:"status" json:"status"`
	RowsProcessed int                    `db:"rows_processed" json:"rows_processed"`
	ErrorMessage  *string                `db:"error_message" json:"error_message,omitempty"`
	Meta          database.JSONB[RunMeta] `db:"meta" json:"meta"`
	StartedAt     time.Time              `db:"started_at" json:"started_at"`
	FinishedAt    time.Time              `db:"finished_at" json:"finished_at"`
}

// TableName returns the database table name
func (RunLog) TableName() string {
	return "run_logs"
}
