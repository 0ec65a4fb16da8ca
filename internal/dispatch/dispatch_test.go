package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	tbus "github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/orchestrator"
	"github.com/ternarybob/tessera/internal/progress"
)

// fakeExtraction returns a fixed error (possibly nil) every time it runs.
type fakeExtraction struct {
	step string
	err  error
}

func (f *fakeExtraction) StepName() string { return f.step }
func (f *fakeExtraction) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	return f.err
}

type fakeProvider struct {
	name  string
	steps []interfaces.StepDefinition
	embed interfaces.EmbeddingHandler
}

func (p *fakeProvider) Name() string                          { return p.name }
func (p *fakeProvider) Steps() []interfaces.StepDefinition     { return p.steps }
func (p *fakeProvider) Embedding() interfaces.EmbeddingHandler { return p.embed }

func newTestDispatcher(t *testing.T) (*Dispatcher, *tesseradb.Handle, *tbus.MemoryBus, *progress.Publisher) {
	t.Helper()
	logger := arbor.NewLogger()
	handle, err := tesseradb.Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	require.NoError(t, tesseradb.Migrate(context.Background(), handle.RW()))
	t.Cleanup(func() { _ = handle.Close() })

	b := tbus.NewMemoryBus(logger, time.Second, 5)
	t.Cleanup(func() { _ = b.Close() })

	pub := progress.New(logger)
	t.Cleanup(func() { _ = pub.Close() })

	cp := checkpoint.New(handle.RW(), logger)

	return New(handle, b, cp, pub, logger), handle, b, pub
}

func insertTenantAndIntegration(t *testing.T, handle *tesseradb.Handle, tenantID int64) int64 {
	t.Helper()
	now := time.Now()
	_, err := handle.RW().Exec(
		`INSERT INTO tenants (id, name, tier, active, time_zone, created_at, updated_at) VALUES (?, 't', 'free', 1, 'UTC', ?, ?)`,
		tenantID, now, now)
	require.NoError(t, err)

	res, err := handle.RW().Exec(
		`INSERT INTO integrations (tenant_id, provider, active, created_at, updated_at) VALUES (?, 'github', 1, ?, ?)`,
		tenantID, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestDispatcher_ExtractionHandleFunc_RetryableReturnsErrorForNack(t *testing.T) {
	d, handle, _, _ := newTestDispatcher(t)
	integrationID := insertTenantAndIntegration(t, handle, 1)

	d.Register(&fakeProvider{
		name: "github",
		steps: []interfaces.StepDefinition{
			{Name: "repositories", Extraction: &fakeExtraction{step: "repositories", err: models.NewError(models.KindRetryable, "repositories", models.StageExtraction, fmt.Errorf("rate limited"))}},
		},
	})

	handleFunc := d.ExtractionHandleFunc()
	err := handleFunc(context.Background(), &models.Message{TenantID: 1, IntegrationID: integrationID, StepName: "repositories", Stage: models.StageExtraction})
	require.Error(t, err, "a retryable error must propagate so the worker pool nacks and requeues")
}

func TestDispatcher_ExtractionHandleFunc_PoisonMessageIsDeadLetteredAndAcked(t *testing.T) {
	d, handle, _, _ := newTestDispatcher(t)
	integrationID := insertTenantAndIntegration(t, handle, 2)

	d.Register(&fakeProvider{
		name: "github",
		steps: []interfaces.StepDefinition{
			{Name: "repositories", Extraction: &fakeExtraction{step: "repositories", err: models.NewError(models.KindPoisonMessage, "repositories", models.StageExtraction, fmt.Errorf("malformed payload"))}},
		},
	})

	handleFunc := d.ExtractionHandleFunc()
	err := handleFunc(context.Background(), &models.Message{TenantID: 2, IntegrationID: integrationID, StepName: "repositories", Stage: models.StageExtraction})
	require.NoError(t, err, "a poison message must be acked, not redelivered")

	var count int
	require.NoError(t, handle.RO().QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE tenant_id = ?`, int64(2)).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDispatcher_ExtractionHandleFunc_ProviderAuthSignalsStepFailedAndAcks(t *testing.T) {
	d, handle, b, _ := newTestDispatcher(t)
	integrationID := insertTenantAndIntegration(t, handle, 3)

	d.Register(&fakeProvider{
		name: "github",
		steps: []interfaces.StepDefinition{
			{Name: "repositories", Extraction: &fakeExtraction{step: "repositories", err: models.NewError(models.KindProviderAuth, "repositories", models.StageExtraction, fmt.Errorf("bad token"))}},
		},
	})

	handleFunc := d.ExtractionHandleFunc()
	err := handleFunc(context.Background(), &models.Message{TenantID: 3, JobID: 7, IntegrationID: integrationID, StepName: "repositories", Stage: models.StageExtraction})
	require.NoError(t, err)

	signal, ack, _, err := b.Receive(context.Background(), orchestrator.QueueName(3))
	require.NoError(t, err)
	require.NoError(t, ack())
	assert.Equal(t, string(orchestrator.SignalStepFailed), signal.Type)
	assert.Equal(t, "repositories", signal.StepName)
}

func TestDispatcher_ExtractionHandleFunc_CancelledSignalsCancelledAndAcks(t *testing.T) {
	d, handle, b, _ := newTestDispatcher(t)
	integrationID := insertTenantAndIntegration(t, handle, 4)

	d.Register(&fakeProvider{
		name: "github",
		steps: []interfaces.StepDefinition{
			{Name: "repositories", Extraction: &fakeExtraction{step: "repositories", err: models.NewError(models.KindCancelled, "repositories", models.StageExtraction, fmt.Errorf("job cancelled"))}},
		},
	})

	handleFunc := d.ExtractionHandleFunc()
	err := handleFunc(context.Background(), &models.Message{TenantID: 4, JobID: 9, IntegrationID: integrationID, StepName: "repositories", Stage: models.StageExtraction})
	require.NoError(t, err)

	signal, ack, _, err := b.Receive(context.Background(), orchestrator.QueueName(4))
	require.NoError(t, err)
	require.NoError(t, ack())
	assert.Equal(t, string(orchestrator.SignalCancelled), signal.Type)
}

func TestDispatcher_ExtractionHandleFunc_UnknownStepIsPoisonMessage(t *testing.T) {
	d, handle, _, _ := newTestDispatcher(t)
	integrationID := insertTenantAndIntegration(t, handle, 5)

	err := d.ExtractionHandleFunc()(context.Background(), &models.Message{TenantID: 5, IntegrationID: integrationID, StepName: "nonexistent", Stage: models.StageExtraction})
	require.NoError(t, err, "unregistered steps should be dead-lettered, not redelivered forever")

	var count int
	require.NoError(t, handle.RO().QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE tenant_id = ?`, int64(5)).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDispatcher_EmbeddingHandleFunc_UnknownTableIsPoisonMessage(t *testing.T) {
	d, handle, _, _ := newTestDispatcher(t)
	insertTenantAndIntegration(t, handle, 6)

	msg := &models.Message{
		TenantID: 6,
		StepName: "some_step",
		Stage:    models.StageEmbedding,
		Payload:  json.RawMessage(`{"table_name":"nonexistent","external_id":"1","operation":"insert"}`),
	}

	err := d.EmbeddingHandleFunc()(context.Background(), msg)
	require.NoError(t, err)

	var count int
	require.NoError(t, handle.RO().QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE tenant_id = ?`, int64(6)).Scan(&count))
	assert.Equal(t, 1, count)
}
