package interfaces

import "context"

// ProgressEventKind enumerates the push notification message kinds the
// progress publisher emits.
type ProgressEventKind string

const (
	ProgressEventProgress   ProgressEventKind = "progress"
	ProgressEventException  ProgressEventKind = "exception"
	ProgressEventStatus     ProgressEventKind = "status"
	ProgressEventCompletion ProgressEventKind = "completion"
	ProgressEventPong       ProgressEventKind = "pong"
)

// ProgressEvent is one message pushed to subscribers of a (tenant, job)
// channel.
type ProgressEvent struct {
	Kind     ProgressEventKind `json:"kind"`
	TenantID int64             `json:"tenant_id"`
	JobID    int64             `json:"job_id"`

	// Progress fields
	StepName   string `json:"step_name,omitempty"`
	Percentage int    `json:"percentage,omitempty"`

	// Exception fields
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`

	// Status fields: the canonical status document, serialized by the
	// caller (kept as interface{} here to avoid an import cycle with
	// models.StatusDocument consumers that only need the wire shape).
	Status interface{} `json:"status,omitempty"`

	// Completion fields
	SuccessCount int `json:"success_count,omitempty"`
	FailureCount int `json:"failure_count,omitempty"`
}

// ProgressSubscription receives events for one (tenant, job) pair until
// Close is called.
type ProgressSubscription interface {
	Events() <-chan ProgressEvent
	Close()
}

// ProgressPublisher fans out status-transition deltas to subscribers (C3).
// It retains the latest progress event per (tenant, job) so a late
// subscriber gets an immediate snapshot.
type ProgressPublisher interface {
	Publish(ctx context.Context, event ProgressEvent)
	Subscribe(tenantID, jobID int64) ProgressSubscription
	Close() error
}
