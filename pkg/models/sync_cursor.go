package models

import (
	"time"
)

// SyncCursor is the last-successful watermark for a named pipeline. The
// watermark only moves forward, and only after every record at or before it
// has been durably persisted. A missing row means full resync.
type SyncCursor struct {
	PipelineName string    `db:"pipeline_name" json:"pipeline_name"`
	Watermark    time.Time `db:"watermark" json:"watermark"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
