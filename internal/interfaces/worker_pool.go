package interfaces

import "context"

// WorkerPoolStatus is the per-(tenant-or-tier, stage) status snapshot
// returned by WorkerPool.Status.
type WorkerPoolStatus struct {
	Key           string // "tier:<tier>/extraction" or "tenant:<id>/transform" etc.
	Running       bool
	ActiveCount   int
	LastHeartbeat string // RFC3339, empty if no handler has reported yet
}

// WorkerPool supervises the concurrent handler instances bound to each
// bus queue (C4). All lifecycle operations are idempotent.
type WorkerPool interface {
	StartTenantWorkers(ctx context.Context, tenantID int64) error
	StopTenantWorkers(ctx context.Context, tenantID int64) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Status(ctx context.Context) []WorkerPoolStatus
}
