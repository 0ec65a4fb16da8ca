package models

import "time"

// VectorBridge maps one normalized domain row to its vector in the
// external vector store. All live bridge rows for a tenant must share the
// same (embedding_model, embedding_dimensions) pair; see the embedding
// model consistency validator.
type VectorBridge struct {
	ID                  int64  `json:"id" db:"id"`
	TenantID            int64  `json:"tenant_id" db:"tenant_id"`
	TableName           string `json:"table_name" db:"table_name"`
	RecordID            int64  `json:"record_id" db:"record_id"`
	ExternalID          string `json:"external_id" db:"external_id"`
	EmbeddingModel      string `json:"embedding_model" db:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions" db:"embedding_dimensions"`
	Active              bool   `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// VectorOperation is the mutation a VectorizationQueueItem requests.
type VectorOperation string

const (
	VectorOpInsert VectorOperation = "insert"
	VectorOpUpdate VectorOperation = "update"
	VectorOpDelete VectorOperation = "delete"
)

// VectorizationQueueItemStatus is the lifecycle state of a queued embedding
// task.
type VectorizationQueueItemStatus string

const (
	VectorizationPending   VectorizationQueueItemStatus = "pending"
	VectorizationCompleted VectorizationQueueItemStatus = "completed"
	VectorizationFailed    VectorizationQueueItemStatus = "failed"
)

// VectorizationQueueItem is the durable record of a pending embedding task.
// It is unique on (tenant_id, table_name, external_id, operation).
type VectorizationQueueItem struct {
	ID         int64                        `json:"id" db:"id"`
	TenantID   int64                        `json:"tenant_id" db:"tenant_id"`
	StepName   string                       `json:"step_name" db:"step_name"`
	TableName  string                       `json:"table_name" db:"table_name"`
	ExternalID string                       `json:"external_id" db:"external_id"`
	Operation  VectorOperation              `json:"operation" db:"operation"`
	Status     VectorizationQueueItemStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
