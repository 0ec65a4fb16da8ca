package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/models"
)

func TestPool_StartAllProcessesMessagesAndStopAllHalts(t *testing.T) {
	b := bus.NewMemoryBus(arbor.NewLogger(), time.Second, 5)
	defer b.Close()

	var processed int32
	pool := NewPool(b, arbor.NewLogger())
	pool.Register("tier:free", models.StageExtraction, "extraction_queue_free", 2, func(ctx context.Context, msg *models.Message) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	require.NoError(t, pool.StartAll(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "extraction_queue_free", &models.Message{TenantID: 1}))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 5
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.StopAll(context.Background()))

	statuses := pool.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)
}

func TestPool_StartGroupIsIdempotent(t *testing.T) {
	b := bus.NewMemoryBus(arbor.NewLogger(), time.Second, 5)
	defer b.Close()

	pool := NewPool(b, arbor.NewLogger())
	pool.Register("tenant:1", models.StageTransform, "transform_queue_tenant_1", 1, func(ctx context.Context, msg *models.Message) error {
		return nil
	})

	require.NoError(t, pool.StartTenantWorkers(context.Background(), 1))
	require.NoError(t, pool.StartTenantWorkers(context.Background(), 1))

	statuses := pool.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].ActiveCount)

	require.NoError(t, pool.StopTenantWorkers(context.Background(), 1))
}

func TestPool_HandlerPanicDoesNotStopConsumer(t *testing.T) {
	b := bus.NewMemoryBus(arbor.NewLogger(), time.Second, 5)
	defer b.Close()

	var calls int32
	pool := NewPool(b, arbor.NewLogger())
	pool.Register("tier:free", models.StageExtraction, "extraction_queue_free", 1, func(ctx context.Context, msg *models.Message) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			panic("boom")
		}
		return nil
	})

	require.NoError(t, pool.StartAll(context.Background()))
	defer pool.StopAll(context.Background())

	require.NoError(t, b.Publish(context.Background(), "extraction_queue_free", &models.Message{TenantID: 1}))
	require.NoError(t, b.Publish(context.Background(), "extraction_queue_free", &models.Message{TenantID: 1}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 10*time.Millisecond, "consumer should resume after a panic")
}
