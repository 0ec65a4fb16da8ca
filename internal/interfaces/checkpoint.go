package interfaces

import "context"

// Checkpoint is a resumable cursor for one (tenant, job, step, stage).
type Checkpoint struct {
	TenantID    int64
	JobID       int64
	StepName    string
	Stage       string
	CursorToken string // opaque to the core: GraphQL page cursor, timestamp, composite, ...
}

// CheckpointStore persists and resumes per-job-step cursors (C2). A
// checkpoint is written before the next-page message is published, so a
// crash between write and publish yields a duplicate rather than a lost
// page.
type CheckpointStore interface {
	// Save upserts the checkpoint for (tenant_id, job_id, step_name, stage).
	Save(ctx context.Context, cp Checkpoint) error

	// Get returns the current checkpoint, or ok=false if none has been
	// recorded yet for that key.
	Get(ctx context.Context, tenantID, jobID int64, stepName, stage string) (cp Checkpoint, ok bool, err error)

	// Clear removes the checkpoint once a step's stage has finished.
	Clear(ctx context.Context, tenantID, jobID int64, stepName, stage string) error
}
