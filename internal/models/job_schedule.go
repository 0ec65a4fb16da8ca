package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepState is one of the four states a (step, stage) cell in the status
// document can occupy.
type StepState string

const (
	StepIdle     StepState = "idle"
	StepRunning  StepState = "running"
	StepFinished StepState = "finished"
	StepFailed   StepState = "failed"
)

// OverallState is the job-run-wide status.
type OverallState string

const (
	OverallIdle      OverallState = "idle"
	OverallRunning   OverallState = "running"
	OverallFinished  OverallState = "finished"
	OverallFailed    OverallState = "failed"
	OverallCancelled OverallState = "cancelled"
)

// StepStatus is one entry of the status document's steps map.
type StepStatus struct {
	Order       int       `json:"order"`
	DisplayName string    `json:"display_name"`
	Extraction  StepState `json:"extraction"`
	Transform   StepState `json:"transform"`
	Embedding   StepState `json:"embedding"`
}

// AllFinished reports whether every stage of this step has finished.
func (s *StepStatus) AllFinished() bool {
	return s.Extraction == StepFinished && s.Transform == StepFinished && s.Embedding == StepFinished
}

// AnyFailed reports whether any stage of this step has failed.
func (s *StepStatus) AnyFailed() bool {
	return s.Extraction == StepFailed || s.Transform == StepFailed || s.Embedding == StepFailed
}

// StatusDocument is the canonical per-job-run status document described by
// the job scheduler / orchestrator / status state machine.
type StatusDocument struct {
	Overall OverallState          `json:"overall"`
	Steps   map[string]*StepStatus `json:"steps"`
}

// NewStatusDocument builds an idle status document from an ordered step
// name list, ready for a fresh run.
func NewStatusDocument(stepNames []string) *StatusDocument {
	steps := make(map[string]*StepStatus, len(stepNames))
	for i, name := range stepNames {
		steps[name] = &StepStatus{
			Order:       i,
			DisplayName: name,
			Extraction:  StepIdle,
			Transform:   StepIdle,
			Embedding:   StepIdle,
		}
	}
	return &StatusDocument{Overall: OverallIdle, Steps: steps}
}

// MarshalStatus serializes the status document for the job_schedules.status
// jsonb column.
func MarshalStatus(doc *StatusDocument) (string, error) {
	if doc == nil {
		return "", nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal status document: %w", err)
	}
	return string(b), nil
}

// UnmarshalStatus parses a status document previously written by
// MarshalStatus. An empty string yields an idle document with no steps.
func UnmarshalStatus(raw string) (*StatusDocument, error) {
	if strings.TrimSpace(raw) == "" {
		return &StatusDocument{Overall: OverallIdle, Steps: map[string]*StepStatus{}}, nil
	}
	var doc StatusDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal status document: %w", err)
	}
	if doc.Steps == nil {
		doc.Steps = map[string]*StepStatus{}
	}
	return &doc, nil
}

// JobSchedule is one per (tenant, provider): it drives the scheduler's
// per-job timer and carries the canonical status document for the run
// currently in flight (or the last completed run).
type JobSchedule struct {
	ID                      int64  `json:"id" db:"id"`
	TenantID                int64  `json:"tenant_id" db:"tenant_id"`
	IntegrationID           int64  `json:"integration_id" db:"integration_id"`
	JobName                 string `json:"job_name" db:"job_name"`
	ExecutionOrder          int    `json:"execution_order" db:"execution_order"`
	ScheduleIntervalMinutes int    `json:"schedule_interval_minutes" db:"schedule_interval_minutes"`
	Steps                   []string `json:"steps" db:"-"` // ordered step names, provider-defined

	LastRunStartedAt *time.Time `json:"last_run_started_at" db:"last_run_started_at"`
	LastSuccessAt    *time.Time `json:"last_success_at" db:"last_success_at"`
	NextRun          *time.Time `json:"next_run" db:"next_run"` // naive timestamp in tenant's time zone

	Active       bool   `json:"active" db:"active"`
	StatusJSON   string `json:"-" db:"status"`
	CancelFlag   bool   `json:"cancel_flag" db:"cancel_flag"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Status parses the schedule's stored status document.
func (j *JobSchedule) Status() (*StatusDocument, error) {
	return UnmarshalStatus(j.StatusJSON)
}

// SetStatus replaces the schedule's stored status document.
func (j *JobSchedule) SetStatus(doc *StatusDocument) error {
	raw, err := MarshalStatus(doc)
	if err != nil {
		return err
	}
	j.StatusJSON = raw
	return nil
}

// Validate checks field-level invariants independent of any particular
// storage backend.
func (j *JobSchedule) Validate() error {
	if j.TenantID <= 0 {
		return fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(j.JobName) == "" {
		return fmt.Errorf("job_name is required")
	}
	if j.ScheduleIntervalMinutes <= 0 {
		return fmt.Errorf("schedule_interval_minutes must be positive")
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("job schedule %q must declare at least one step", j.JobName)
	}
	seen := make(map[string]bool, len(j.Steps))
	for _, step := range j.Steps {
		if strings.TrimSpace(step) == "" {
			return fmt.Errorf("job schedule %q has a blank step name", j.JobName)
		}
		if seen[step] {
			return fmt.Errorf("job schedule %q declares step %q more than once", j.JobName, step)
		}
		seen[step] = true
	}
	return nil
}

// AdvanceNextRun computes the schedule's next due time from startedAt,
// advancing monotonically by ScheduleIntervalMinutes regardless of how long
// the run itself took.
func (j *JobSchedule) AdvanceNextRun(startedAt time.Time) time.Time {
	return startedAt.Add(time.Duration(j.ScheduleIntervalMinutes) * time.Minute)
}
