package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSchedule_Validate(t *testing.T) {
	valid := JobSchedule{TenantID: 1, JobName: "jira-sync", ScheduleIntervalMinutes: 60, Steps: []string{"statuses"}}
	require.NoError(t, valid.Validate())

	noTenant := valid
	noTenant.TenantID = 0
	assert.Error(t, noTenant.Validate())

	noSteps := valid
	noSteps.Steps = nil
	assert.Error(t, noSteps.Validate())

	dupeSteps := valid
	dupeSteps.Steps = []string{"statuses", "statuses"}
	assert.Error(t, dupeSteps.Validate())
}

func TestJobSchedule_AdvanceNextRunIsMonotonicRegardlessOfRunDuration(t *testing.T) {
	sched := JobSchedule{ScheduleIntervalMinutes: 30}
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	next := sched.AdvanceNextRun(started)
	assert.Equal(t, started.Add(30*time.Minute), next)
}

func TestStatusDocument_MarshalUnmarshalRoundTrip(t *testing.T) {
	doc := NewStatusDocument([]string{"statuses", "projects"})
	doc.Overall = OverallRunning
	doc.Steps["statuses"].Extraction = StepRunning

	raw, err := MarshalStatus(doc)
	require.NoError(t, err)

	got, err := UnmarshalStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, OverallRunning, got.Overall)
	assert.Equal(t, StepRunning, got.Steps["statuses"].Extraction)
	assert.Equal(t, StepIdle, got.Steps["projects"].Extraction)
}

func TestUnmarshalStatus_EmptyStringYieldsIdleDocument(t *testing.T) {
	doc, err := UnmarshalStatus("")
	require.NoError(t, err)
	assert.Equal(t, OverallIdle, doc.Overall)
	assert.Empty(t, doc.Steps)
}

func TestStepStatus_AllFinishedAndAnyFailed(t *testing.T) {
	s := &StepStatus{Extraction: StepFinished, Transform: StepFinished, Embedding: StepFinished}
	assert.True(t, s.AllFinished())
	assert.False(t, s.AnyFailed())

	s.Embedding = StepFailed
	assert.False(t, s.AllFinished())
	assert.True(t, s.AnyFailed())
}
