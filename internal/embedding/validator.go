package embedding

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/tessera/internal/models"
)

// ErrModelMismatch is wrapped into a *models.Error with Kind ==
// KindModelMismatch when a provider's (model, dimensions) disagrees with a
// tenant's existing live VectorBridge rows across all of its tables.
var ErrModelMismatch = fmt.Errorf("embedding model/dimensions do not match existing vector bridge rows")

// ValidateModelConsistency enforces that every active VectorBridge row for
// tenantID, across every table, was written with the same (model,
// dimensions) pair the current provider reports: the invariant is
// tenant-wide, not per-table, since all of a tenant's embeddable tables
// share one embedding provider. A tenant with no active rows yet has no
// constraint - the first write establishes the pair.
func ValidateModelConsistency(ctx context.Context, conn *sql.DB, tenantID int64, model string, dimensions int) error {
	rows, err := conn.QueryContext(ctx,
		`SELECT DISTINCT embedding_model, embedding_dimensions FROM vector_bridge
		 WHERE tenant_id = ? AND active = 1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("query existing vector bridge rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existingModel string
		var existingDims int
		if err := rows.Scan(&existingModel, &existingDims); err != nil {
			return fmt.Errorf("scan vector bridge row: %w", err)
		}
		if existingModel != model || existingDims != dimensions {
			return models.NewError(models.KindModelMismatch, "", models.StageEmbedding, fmt.Errorf(
				"%w: tenant %d has (%s, %d), provider reports (%s, %d)",
				ErrModelMismatch, tenantID, existingModel, existingDims, model, dimensions))
		}
	}
	return rows.Err()
}
