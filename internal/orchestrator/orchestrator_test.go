package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	tbus "github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/progress"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *tesseradb.Handle, *tbus.MemoryBus) {
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

	checkpoints := checkpoint.New(handle.RW(), logger)

	return New(handle, b, pub, checkpoints, logger), handle, b
}

func insertJobSchedule(t *testing.T, handle *tesseradb.Handle, tenantID int64, tier string) int64 {
	t.Helper()
	now := time.Now()
	_, err := handle.RW().Exec(
		`INSERT INTO tenants (id, name, tier, active, time_zone, created_at, updated_at) VALUES (?, 't', ?, 1, 'UTC', ?, ?)`,
		tenantID, tier, now, now)
	require.NoError(t, err)

	res, err := handle.RW().Exec(
		`INSERT INTO integrations (tenant_id, provider, active, created_at, updated_at) VALUES (?, 'jira', 1, ?, ?)`,
		tenantID, now, now)
	require.NoError(t, err)
	integrationID, err := res.LastInsertId()
	require.NoError(t, err)

	res, err = handle.RW().Exec(
		`INSERT INTO job_schedules (tenant_id, integration_id, job_name, execution_order, schedule_interval_minutes, steps_json, status, created_at, updated_at)
		 VALUES (?, ?, 'jira-sync', 1, 60, '["statuses","projects"]', '', ?, ?)`,
		tenantID, integrationID, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestOrchestrator_RunSeedsFirstStepOnTheTenantsTierQueue(t *testing.T) {
	orch, handle, b := newTestOrchestrator(t)
	jobID := insertJobSchedule(t, handle, 1, "premium")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = orch.Run(ctx, 1, jobID)
	}()

	var msg *models.Message
	require.Eventually(t, func() bool {
		m, ack, _, err := b.Receive(context.Background(), "extraction_queue_premium")
		if err != nil {
			return false
		}
		msg = m
		_ = ack()
		return true
	}, time.Second, 10*time.Millisecond, "seed message should land on the tenant's tier queue, not a hardcoded default")

	require.NotNil(t, msg)
	assert.Equal(t, "statuses", msg.StepName)
	assert.True(t, msg.FirstItem)
}

func TestOrchestrator_ApplyAdvancesToNextStepAndFinishesRun(t *testing.T) {
	orch, handle, b := newTestOrchestrator(t)
	jobID := insertJobSchedule(t, handle, 2, "free")

	require.NoError(t, orch.seedRun(context.Background(), 2, jobID))

	_, ack, _, err := b.Receive(context.Background(), "extraction_queue_free")
	require.NoError(t, err)
	require.NoError(t, ack())

	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalTransformProcessed, TenantID: 2, JobID: jobID, StepName: "statuses", LastItem: true}))
	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalEmbeddingEnqueued, TenantID: 2, JobID: jobID, StepName: "statuses"}))
	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalEmbeddingDrained, TenantID: 2, JobID: jobID, StepName: "statuses", Outstanding: 0}))

	msg, ack2, _, err := b.Receive(context.Background(), "extraction_queue_free")
	require.NoError(t, err)
	assert.Equal(t, "projects", msg.StepName)
	require.NoError(t, ack2())

	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalTransformProcessed, TenantID: 2, JobID: jobID, StepName: "projects", LastItem: true}))
	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalEmbeddingEnqueued, TenantID: 2, JobID: jobID, StepName: "projects"}))
	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalEmbeddingDrained, TenantID: 2, JobID: jobID, StepName: "projects", Outstanding: 0}))

	terminal, err := orch.isTerminal(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, terminal)

	var overall string
	row := handle.RO().QueryRow(`SELECT status FROM job_schedules WHERE id = ?`, jobID)
	var raw string
	require.NoError(t, row.Scan(&raw))
	doc, err := models.UnmarshalStatus(raw)
	require.NoError(t, err)
	overall = string(doc.Overall)
	assert.Equal(t, "finished", overall)
}

func TestOrchestrator_ApplyFailSetsOverallFailed(t *testing.T) {
	orch, handle, _ := newTestOrchestrator(t)
	jobID := insertJobSchedule(t, handle, 3, "free")
	require.NoError(t, orch.seedRun(context.Background(), 3, jobID))

	require.NoError(t, orch.Apply(context.Background(), Signal{Kind: SignalStepFailed, TenantID: 3, JobID: jobID, StepName: "statuses"}))

	terminal, err := orch.isTerminal(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, terminal)
}
