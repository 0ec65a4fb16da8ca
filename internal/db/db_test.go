package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestOpenAndMigrate(t *testing.T) {
	logger := arbor.NewLogger()
	handle, err := Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, Migrate(context.Background(), handle.RW()))

	var count int
	row := handle.RO().QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'job_schedules'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpen_RejectsUnsupportedDriver(t *testing.T) {
	_, err := Open(arbor.NewLogger(), "postgres://localhost/db", "")
	require.Error(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	logger := arbor.NewLogger()
	handle, err := Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	defer handle.Close()
	require.NoError(t, Migrate(context.Background(), handle.RW()))

	sentinel := assert.AnError
	err = handle.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO tenants (name, tier, active, time_zone, created_at, updated_at) VALUES ('t', 'free', 1, 'UTC', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		require.NoError(t, execErr)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	row := handle.RO().QueryRow(`SELECT count(*) FROM tenants`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count, "transaction should have rolled back")
}

func TestIsBusyError(t *testing.T) {
	assert.True(t, isBusyError(assertErrorf("database is locked")))
	assert.True(t, isBusyError(assertErrorf("SQLITE_BUSY: foo")))
	assert.False(t, isBusyError(assertErrorf("some other error")))
	assert.False(t, isBusyError(nil))
}

func assertErrorf(msg string) error {
	return &testErr{msg}
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
