package models

import (
	"encoding/json"
	"time"
)

// RawRecordStatus is the lifecycle state of a RawExtractionRecord.
type RawRecordStatus string

const (
	RawRecordPending   RawRecordStatus = "pending"
	RawRecordCompleted RawRecordStatus = "completed"
	RawRecordFailed    RawRecordStatus = "failed"
)

// RawExtractionRecord is the append-only output of the extraction stage,
// consumed by the transform stage. Raw records are never mutated except to
// flip their status once transform has processed them.
type RawExtractionRecord struct {
	ID            int64           `json:"id" db:"id"`
	TenantID      int64           `json:"tenant_id" db:"tenant_id"`
	IntegrationID int64           `json:"integration_id" db:"integration_id"`
	JobID         int64           `json:"job_id" db:"job_id"`
	StepName      string          `json:"step_name" db:"step_name"`
	Type          string          `json:"type" db:"type"`
	Payload       json.RawMessage `json:"payload_json" db:"payload_json"`
	Status        RawRecordStatus `json:"status" db:"status"`
	LastItem      bool            `json:"last_item" db:"last_item"`
	ErrorDetails  string          `json:"error_details" db:"error_details"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
