package embedding

import (
	"context"
	"fmt"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// RowLoader fetches the normalized domain row a VectorizationQueueItem
// refers to, keyed by its own table's primary key convention. Each
// provider's constructor registers one loader per normalized table its
// transform handlers write to.
type RowLoader func(ctx context.Context, tenantID int64, externalID string) (map[string]interface{}, error)

// Handler implements interfaces.EmbeddingHandler: it loads the referenced
// row, validates embedding model consistency across the tenant's tables,
// assembles canonical text, calls the provider, and upserts the vector in
// the vector store and then the VectorBridge row, as two separate writes.
type Handler struct {
	provider interfaces.EmbeddingProvider
	store    interfaces.VectorStore
	fields   TextFields
	loaders  map[string]RowLoader
}

func NewHandler(provider interfaces.EmbeddingProvider, store interfaces.VectorStore, fields TextFields) *Handler {
	return &Handler{
		provider: provider,
		store:    store,
		fields:   fields,
		loaders:  make(map[string]RowLoader),
	}
}

// RegisterLoader binds a RowLoader to a normalized table name.
func (h *Handler) RegisterLoader(tableName string, loader RowLoader) {
	h.loaders[tableName] = loader
}

func (h *Handler) Embed(hc *interfaces.HandlerContext, item *models.VectorizationQueueItem) error {
	if hc.Cancelled != nil && hc.Cancelled() {
		return models.NewError(models.KindCancelled, item.StepName, models.StageEmbedding, fmt.Errorf("cancelled before embedding %s/%s", item.TableName, item.ExternalID))
	}

	if item.Operation == models.VectorOpDelete {
		if err := h.store.Delete(hc.Context, hc.Tenant.ID, item.TableName, item.ExternalID); err != nil {
			return models.NewError(models.KindRetryable, item.StepName, models.StageEmbedding, fmt.Errorf("delete vector: %w", err))
		}
		return h.deactivateBridge(hc, item)
	}

	loader, ok := h.loaders[item.TableName]
	if !ok {
		return models.NewError(models.KindPoisonMessage, item.StepName, models.StageEmbedding, fmt.Errorf("no row loader registered for table %q", item.TableName))
	}

	row, err := loader(hc.Context, hc.Tenant.ID, item.ExternalID)
	if err != nil {
		return models.NewError(models.KindRetryable, item.StepName, models.StageEmbedding, fmt.Errorf("load row %s/%s: %w", item.TableName, item.ExternalID, err))
	}

	text := Assemble(h.fields, item.TableName, row)
	if text == "" {
		return models.NewError(models.KindPoisonMessage, item.StepName, models.StageEmbedding, fmt.Errorf("no embeddable text for %s/%s", item.TableName, item.ExternalID))
	}

	if err := ValidateModelConsistency(hc.Context, hc.DB.RO(), hc.Tenant.ID, h.provider.ModelName(), h.provider.Dimensions()); err != nil {
		return err
	}

	vector, err := h.provider.GenerateEmbedding(hc.Context, text)
	if err != nil {
		return models.NewError(models.KindRetryable, item.StepName, models.StageEmbedding, fmt.Errorf("generate embedding: %w", err))
	}

	if err := h.store.Upsert(hc.Context, hc.Tenant.ID, item.TableName, item.ExternalID, vector, row); err != nil {
		return models.NewError(models.KindRetryable, item.StepName, models.StageEmbedding, fmt.Errorf("upsert vector: %w", err))
	}

	return h.upsertBridge(hc, item)
}

func (h *Handler) upsertBridge(hc *interfaces.HandlerContext, item *models.VectorizationQueueItem) error {
	_, err := hc.DB.RW().ExecContext(hc.Context,
		`INSERT INTO vector_bridge (tenant_id, table_name, record_id, external_id, embedding_model, embedding_dimensions, active, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(tenant_id, table_name, external_id) DO UPDATE SET
		   embedding_model = excluded.embedding_model,
		   embedding_dimensions = excluded.embedding_dimensions,
		   active = 1,
		   updated_at = CURRENT_TIMESTAMP`,
		hc.Tenant.ID, item.TableName, item.ExternalID, h.provider.ModelName(), h.provider.Dimensions())
	if err != nil {
		return models.NewError(models.KindTransientDB, item.StepName, models.StageEmbedding, fmt.Errorf("upsert vector bridge row: %w", err))
	}
	return nil
}

func (h *Handler) deactivateBridge(hc *interfaces.HandlerContext, item *models.VectorizationQueueItem) error {
	_, err := hc.DB.RW().ExecContext(hc.Context,
		`UPDATE vector_bridge SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE tenant_id = ? AND table_name = ? AND external_id = ?`,
		hc.Tenant.ID, item.TableName, item.ExternalID)
	if err != nil {
		return models.NewError(models.KindTransientDB, item.StepName, models.StageEmbedding, fmt.Errorf("deactivate vector bridge row: %w", err))
	}
	return nil
}
