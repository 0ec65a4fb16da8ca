package embedding

import (
	"context"
	"sync"
)

type vectorKey struct {
	tenantID   int64
	tableName  string
	externalID string
}

type vectorEntry struct {
	vector  []float32
	payload map[string]interface{}
}

// MemoryStore is an in-memory interfaces.VectorStore for tests and for
// running the platform without a Milvus cluster.
type MemoryStore struct {
	mu    sync.Mutex
	items map[vectorKey]vectorEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[vectorKey]vectorEntry)}
}

func (s *MemoryStore) Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[vectorKey{tenantID, tableName, externalID}] = vectorEntry{vector: vector, payload: payload}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID int64, tableName, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, vectorKey{tenantID, tableName, externalID})
	return nil
}

func (s *MemoryStore) Get(tenantID int64, tableName, externalID string) ([]float32, map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[vectorKey{tenantID, tableName, externalID}]
	return e.vector, e.payload, ok
}

// Ping always succeeds: the in-memory store has no external connection to
// lose reachability to.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
