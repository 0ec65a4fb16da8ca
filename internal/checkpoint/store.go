package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
)

// Store implements interfaces.CheckpointStore against the checkpoints
// table created by db.Migrate. A checkpoint is written before the
// next-page message is published, so a crash between write and publish
// produces a duplicate page rather than a lost one.
type Store struct {
	conn   *sql.DB
	logger arbor.ILogger
}

func New(conn *sql.DB, logger arbor.ILogger) *Store {
	return &Store{conn: conn, logger: logger}
}

func (s *Store) Save(ctx context.Context, cp interfaces.Checkpoint) error {
	return tesseradb.RetryOnBusy(ctx, s.logger, func() error {
		_, err := s.conn.ExecContext(ctx,
			`INSERT INTO checkpoints (tenant_id, job_id, step_name, stage, cursor_token, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, job_id, step_name, stage)
			 DO UPDATE SET cursor_token = excluded.cursor_token, updated_at = excluded.updated_at`,
			cp.TenantID, cp.JobID, cp.StepName, cp.Stage, cp.CursorToken, time.Now())
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, tenantID, jobID int64, stepName, stage string) (interfaces.Checkpoint, bool, error) {
	var cp interfaces.Checkpoint
	row := s.conn.QueryRowContext(ctx,
		`SELECT tenant_id, job_id, step_name, stage, cursor_token FROM checkpoints
		 WHERE tenant_id = ? AND job_id = ? AND step_name = ? AND stage = ?`,
		tenantID, jobID, stepName, stage)

	if err := row.Scan(&cp.TenantID, &cp.JobID, &cp.StepName, &cp.Stage, &cp.CursorToken); err != nil {
		if err == sql.ErrNoRows {
			return interfaces.Checkpoint{}, false, nil
		}
		return interfaces.Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, true, nil
}

func (s *Store) Clear(ctx context.Context, tenantID, jobID int64, stepName, stage string) error {
	return tesseradb.RetryOnBusy(ctx, s.logger, func() error {
		_, err := s.conn.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE tenant_id = ? AND job_id = ? AND step_name = ? AND stage = ?`,
			tenantID, jobID, stepName, stage)
		if err != nil {
			return fmt.Errorf("clear checkpoint: %w", err)
		}
		return nil
	})
}
