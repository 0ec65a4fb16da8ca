package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

func newTestContext(t *testing.T) (*interfaces.HandlerContext, *tesseradb.Handle, *bus.MemoryBus) {
	t.Helper()
	logger := arbor.NewLogger()
	handle, err := tesseradb.Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	require.NoError(t, tesseradb.Migrate(context.Background(), handle.RW()))
	t.Cleanup(func() { _ = handle.Close() })

	b := bus.NewMemoryBus(logger, time.Second, 5)
	t.Cleanup(func() { _ = b.Close() })

	cp := checkpoint.New(handle.RW(), logger)

	now := time.Now()
	_, err = handle.RW().Exec(
		`INSERT INTO tenants (id, name, tier, active, time_zone, created_at, updated_at) VALUES (1, 't', 'premium', 1, 'UTC', ?, ?)`, now, now)
	require.NoError(t, err)

	hc := &interfaces.HandlerContext{
		Context:     context.Background(),
		Tenant:      &models.Tenant{ID: 1, Tier: models.TierPremium},
		Integration: &models.Integration{ID: 1, TenantID: 1},
		DB:          handle,
		Bus:         b,
		Checkpoints: cp,
	}
	return hc, handle, b
}

func TestPersistPage_PublishesOneTransformMessagePerItemAndMarksLastItem(t *testing.T) {
	hc, handle, b := newTestContext(t)

	seed := &models.Message{TenantID: 1, IntegrationID: 1, StepName: "repositories", Stage: models.StageExtraction}
	items := []ExtractedItem{
		{ExternalID: "1", Type: "repo", Payload: map[string]interface{}{"id": "1"}},
		{ExternalID: "2", Type: "repo", Payload: map[string]interface{}{"id": "2"}},
	}

	require.NoError(t, PersistPage(context.Background(), hc, seed, items, true))

	var count int
	require.NoError(t, handle.RO().QueryRow(`SELECT COUNT(*) FROM raw_extraction_data WHERE tenant_id = 1`).Scan(&count))
	assert.Equal(t, 2, count)

	msg1, ack1, _, err := b.Receive(context.Background(), "transform_queue_tenant_1")
	require.NoError(t, err)
	require.NoError(t, ack1())
	assert.False(t, msg1.LastItem)

	msg2, ack2, _, err := b.Receive(context.Background(), "transform_queue_tenant_1")
	require.NoError(t, err)
	require.NoError(t, ack2())
	assert.True(t, msg2.LastItem, "the last item of the last page must carry last_item=true")
}

func TestPublishContinuation_SavesCheckpointAndPublishesOnTierQueue(t *testing.T) {
	hc, _, b := newTestContext(t)
	msg := &models.Message{TenantID: 1, JobID: 5, IntegrationID: 1, StepName: "repositories", Stage: models.StageExtraction}

	require.NoError(t, PublishContinuation(context.Background(), hc, msg, "page=2"))

	next, ack, _, err := b.Receive(context.Background(), "extraction_queue_premium")
	require.NoError(t, err)
	require.NoError(t, ack())
	assert.Equal(t, "page=2", next.Cursor)

	cp, ok, err := hc.Checkpoints.Get(context.Background(), 1, 5, "repositories", "extraction")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page=2", cp.CursorToken)
}

func TestClearStepCheckpoint_RemovesSavedCheckpoint(t *testing.T) {
	hc, _, _ := newTestContext(t)
	msg := &models.Message{TenantID: 1, JobID: 5, StepName: "repositories"}

	require.NoError(t, hc.Checkpoints.Save(context.Background(), interfaces.Checkpoint{
		TenantID: 1, JobID: 5, StepName: "repositories", Stage: "extraction", CursorToken: "page=3",
	}))
	require.NoError(t, ClearStepCheckpoint(context.Background(), hc, msg))

	_, ok, err := hc.Checkpoints.Get(context.Background(), 1, 5, "repositories", "extraction")
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint should no longer exist after clearing")
}

func TestUpsertAndLoadDomainRecord_RoundTrips(t *testing.T) {
	hc, handle, _ := newTestContext(t)

	id, err := UpsertDomainRecord(context.Background(), handle, 1, "repositories", "ext-1", map[string]interface{}{"name": "acme/repo"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	data, err := LoadDomainRecord(context.Background(), handle, 1, "repositories", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/repo", data["name"])

	// upsert again with a changed value; the row should update in place.
	_, err = UpsertDomainRecord(context.Background(), handle, 1, "repositories", "ext-1", map[string]interface{}{"name": "acme/repo-renamed"})
	require.NoError(t, err)
	data, err = LoadDomainRecord(context.Background(), handle, 1, "repositories", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/repo-renamed", data["name"])

	_ = hc
}

func TestEnqueueVectorizationAndMarkComplete_DrainsOutstandingCount(t *testing.T) {
	hc, handle, b := newTestContext(t)

	require.NoError(t, EnqueueVectorization(context.Background(), hc, 5, "repositories", "repositories", "ext-1", models.VectorOpInsert))
	require.NoError(t, EnqueueVectorization(context.Background(), hc, 5, "repositories", "repositories", "ext-2", models.VectorOpInsert))

	pending, err := PendingVectorizationCount(context.Background(), handle, 1, "repositories")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	msg, ack, _, err := b.Receive(context.Background(), "vectorization_queue_tenant_1")
	require.NoError(t, err)
	require.NoError(t, ack())
	item, err := DecodeVectorizationItem(msg)
	require.NoError(t, err)
	assert.Equal(t, "repositories", item.TableName)

	outstanding, err := MarkVectorizationComplete(context.Background(), handle, 1, "repositories", item.TableName, item.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, 1, outstanding, "one of two enqueued items is still pending")
}

func TestDecodeRawPayload_PoisonsOnMalformedJSON(t *testing.T) {
	raw := &models.RawExtractionRecord{StepName: "repositories", Payload: []byte("not json")}
	var out map[string]interface{}
	err := DecodeRawPayload(raw, &out)
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindPoisonMessage, kind)
}
