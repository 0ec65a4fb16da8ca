package embedding

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// MilvusStore implements interfaces.VectorStore against a Milvus cluster.
// One collection per tenant (collName), partitioned by table_name so a
// single tenant's different normalized tables can share a collection
// without cross-contaminating nearest-neighbor search.
type MilvusStore struct {
	conn client.Client
}

func NewMilvusStore(ctx context.Context, addr string) (*MilvusStore, error) {
	conn, err := client.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to milvus at %s: %w", addr, err)
	}
	return &MilvusStore{conn: conn}, nil
}

func (s *MilvusStore) collectionName(tenantID int64) string {
	return "tenant_" + strconv.FormatInt(tenantID, 10)
}

func (s *MilvusStore) Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]interface{}) error {
	collName := s.collectionName(tenantID)

	has, err := s.conn.HasCollection(ctx, collName)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", collName, err)
	}
	if !has {
		return fmt.Errorf("collection %s does not exist; tenant provisioning is out of scope", collName)
	}

	idCol := entity.NewColumnVarChar("external_id", []string{externalID})
	tableCol := entity.NewColumnVarChar("table_name", []string{tableName})
	vecCol := entity.NewColumnFloatVector("embedding", len(vector), [][]float32{vector})

	if _, err := s.conn.Upsert(ctx, collName, tableName, idCol, tableCol, vecCol); err != nil {
		return fmt.Errorf("upsert into %s/%s: %w", collName, tableName, err)
	}
	return nil
}

func (s *MilvusStore) Delete(ctx context.Context, tenantID int64, tableName, externalID string) error {
	collName := s.collectionName(tenantID)
	expr := fmt.Sprintf("external_id == %q", externalID)
	if err := s.conn.Delete(ctx, collName, tableName, expr); err != nil {
		return fmt.Errorf("delete from %s/%s: %w", collName, tableName, err)
	}
	return nil
}

// Ping confirms the Milvus cluster is reachable by listing collections, the
// cheapest round-trip the client exposes.
func (s *MilvusStore) Ping(ctx context.Context) error {
	if _, err := s.conn.ListCollections(ctx); err != nil {
		return fmt.Errorf("ping milvus: %w", err)
	}
	return nil
}

func (s *MilvusStore) Close() error {
	return s.conn.Close()
}
