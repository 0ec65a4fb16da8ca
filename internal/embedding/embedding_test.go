package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

func TestAssemble(t *testing.T) {
	fields := TextFields{
		"issues": {"title", "description"},
	}

	text := Assemble(fields, "issues", map[string]interface{}{
		"title":       "Fix login bug",
		"description": "Users cannot log in with SSO",
		"ignored":     "not configured",
	})
	assert.Equal(t, "Fix login bug\n\nUsers cannot log in with SSO", text)

	assert.Equal(t, "", Assemble(fields, "unknown_table", map[string]interface{}{"title": "x"}))
	assert.Equal(t, "", Assemble(fields, "issues", map[string]interface{}{}))
}

type fakeProvider struct {
	model string
	dims  int
}

func (f *fakeProvider) ModelName() string { return f.model }
func (f *fakeProvider) Dimensions() int   { return f.dims }
func (f *fakeProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dims), nil
}

func newTestDB(t *testing.T) *db.Handle {
	t.Helper()
	handle, err := db.Open(nil, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), handle.RW()))
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func TestValidateModelConsistency_NoExistingRowsPasses(t *testing.T) {
	handle := newTestDB(t)
	err := ValidateModelConsistency(context.Background(), handle.RO(), 1, "nomic-embed-text", 768)
	require.NoError(t, err)
}

func TestValidateModelConsistency_MismatchFails(t *testing.T) {
	handle := newTestDB(t)
	_, err := handle.RW().Exec(
		`INSERT INTO vector_bridge (tenant_id, table_name, record_id, external_id, embedding_model, embedding_dimensions, active, created_at, updated_at)
		 VALUES (1, 'issues', 1, 'ext-1', 'nomic-embed-text', 768, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	err = ValidateModelConsistency(context.Background(), handle.RO(), 1, "mxbai-embed-large", 1024)
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindModelMismatch, kind)
}

func TestHandler_EmbedUpsertsVectorAndBridgeRow(t *testing.T) {
	handle := newTestDB(t)
	store := NewMemoryStore()
	provider := &fakeProvider{model: "nomic-embed-text", dims: 4}

	h := NewHandler(provider, store, TextFields{"issues": {"title"}})
	h.RegisterLoader("issues", func(ctx context.Context, tenantID int64, externalID string) (map[string]interface{}, error) {
		return map[string]interface{}{"title": "Fix login bug"}, nil
	})

	hc := &interfaces.HandlerContext{
		Context: context.Background(),
		Tenant:  &models.Tenant{ID: 1},
		DB:      handle,
	}
	item := &models.VectorizationQueueItem{
		TenantID:   1,
		StepName:   "issues_with_changelogs",
		TableName:  "issues",
		ExternalID: "ext-1",
		Operation:  models.VectorOpInsert,
	}

	require.NoError(t, h.Embed(hc, item))

	vec, _, ok := store.Get(1, "issues", "ext-1")
	require.True(t, ok)
	assert.Len(t, vec, 4)

	var model string
	var dims int
	row := handle.RO().QueryRow(`SELECT embedding_model, embedding_dimensions FROM vector_bridge WHERE tenant_id = 1 AND table_name = 'issues' AND external_id = 'ext-1'`)
	require.NoError(t, row.Scan(&model, &dims))
	assert.Equal(t, "nomic-embed-text", model)
	assert.Equal(t, 4, dims)
}

func TestHandler_EmbedRejectsOnModelMismatch(t *testing.T) {
	handle := newTestDB(t)
	_, err := handle.RW().Exec(
		`INSERT INTO vector_bridge (tenant_id, table_name, record_id, external_id, embedding_model, embedding_dimensions, active, created_at, updated_at)
		 VALUES (1, 'issues', 1, 'ext-0', 'nomic-embed-text', 768, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	store := NewMemoryStore()
	provider := &fakeProvider{model: "mxbai-embed-large", dims: 1024}
	h := NewHandler(provider, store, TextFields{"issues": {"title"}})
	h.RegisterLoader("issues", func(ctx context.Context, tenantID int64, externalID string) (map[string]interface{}, error) {
		return map[string]interface{}{"title": "Fix login bug"}, nil
	})

	hc := &interfaces.HandlerContext{
		Context: context.Background(),
		Tenant:  &models.Tenant{ID: 1},
		DB:      handle,
	}
	item := &models.VectorizationQueueItem{
		TenantID: 1, StepName: "issues_with_changelogs", TableName: "issues", ExternalID: "ext-1", Operation: models.VectorOpInsert,
	}

	err = h.Embed(hc, item)
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindModelMismatch, kind)
}
