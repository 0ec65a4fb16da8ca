package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()
	handle, err := tesseradb.Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	require.NoError(t, tesseradb.Migrate(context.Background(), handle.RW()))
	t.Cleanup(func() { _ = handle.Close() })
	return New(handle.RW(), logger)
}

func TestStore_SaveGetClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, 1, 1, "issues", "extraction")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := interfaces.Checkpoint{TenantID: 1, JobID: 1, StepName: "issues", Stage: "extraction", CursorToken: "page-2"}
	require.NoError(t, s.Save(ctx, cp))

	got, ok, err := s.Get(ctx, 1, 1, "issues", "extraction")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page-2", got.CursorToken)

	cp.CursorToken = "page-3"
	require.NoError(t, s.Save(ctx, cp))
	got, ok, err = s.Get(ctx, 1, 1, "issues", "extraction")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page-3", got.CursorToken, "save must upsert, not duplicate")

	require.NoError(t, s.Clear(ctx, 1, 1, "issues", "extraction"))
	_, ok, err = s.Get(ctx, 1, 1, "issues", "extraction")
	require.NoError(t, err)
	assert.False(t, ok)
}
