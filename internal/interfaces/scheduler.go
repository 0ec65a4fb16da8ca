package interfaces

import "context"

// Scheduler runs one timer per active JobSchedule (C7). Unlike the
// teacher's single global cron string, the platform schedules many
// independent per-tenant jobs concurrently, so the control surface is
// keyed by (tenant_id, job_name) throughout.
type Scheduler interface {
	// Start loads active job schedules and spawns one timer per schedule.
	Start(ctx context.Context) error

	// Stop signals every timer to exit after its current sleep and waits
	// for them to do so (cooperative, not interrupting in-flight runs).
	Stop(ctx context.Context) error

	// TriggerNow forces an immediate run of the named job, respecting
	// single-flight (a no-op if the job is already running).
	TriggerNow(ctx context.Context, tenantID int64, jobName string) error

	// Cancel sets the cancellation flag for the job's current run, if any.
	Cancel(ctx context.Context, tenantID int64, jobName string) error

	// IsRunning reports whether the named job's current status is running.
	IsRunning(ctx context.Context, tenantID int64, jobName string) (bool, error)
}

// Orchestrator drives a single job execution: seeds the first step's
// extraction message, observes completion signals, and advances the
// status document (C6).
type Orchestrator interface {
	// Run starts (or resumes) one job-schedule execution and blocks until
	// it reaches a terminal overall state (finished, failed, cancelled).
	Run(ctx context.Context, tenantID, jobID int64) error
}
