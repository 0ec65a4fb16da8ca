package interfaces

import "context"

// EmbeddingProvider generates vector embeddings for canonical text. It
// reports a fixed model name and dimensionality so the embedding model
// consistency validator can compare against existing VectorBridge rows.
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	Dimensions() int
}

// VectorStore is the external vector database: one collection per tenant,
// upsert by (tenant_id, table_name, external_id).
type VectorStore interface {
	Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]interface{}) error
	Delete(ctx context.Context, tenantID int64, tableName, externalID string) error

	// Ping reports whether the vector store is reachable, for the
	// /healthz readiness check.
	Ping(ctx context.Context) error
}
