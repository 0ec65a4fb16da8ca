// Package status implements the canonical per-job status document
// transition rules (C8). Every function here is a pure transformation of
// a *models.StatusDocument; callers (the orchestrator) are responsible for
// reading the document under a row-level lock, applying the matching
// transition, and writing it back in the same transaction.
package status

import (
	"fmt"
	"sort"

	"github.com/ternarybob/tessera/internal/models"
)

// StartRun resets every step to idle and starts the first step's
// extraction, transitioning overall idle -> running.
func StartRun(doc *models.StatusDocument) (firstStep string, err error) {
	if len(doc.Steps) == 0 {
		return "", fmt.Errorf("status document has no steps")
	}

	for _, step := range doc.Steps {
		step.Extraction = models.StepIdle
		step.Transform = models.StepIdle
		step.Embedding = models.StepIdle
	}

	first := firstStepByOrder(doc)
	doc.Steps[first].Extraction = models.StepRunning
	doc.Overall = models.OverallRunning

	return first, nil
}

// TransformProcessed applies the effect of the transform handler finishing
// one raw record. When lastItem is true, both transform and extraction for
// stepName move to finished (extraction completes strictly before the
// last transform, per the last-item signaling rule).
func TransformProcessed(doc *models.StatusDocument, stepName string, lastItem bool) error {
	step, ok := doc.Steps[stepName]
	if !ok {
		return fmt.Errorf("unknown step %q", stepName)
	}
	if !lastItem {
		return nil
	}
	step.Transform = models.StepFinished
	step.Extraction = models.StepFinished
	return nil
}

// EmbeddingItemEnqueued moves a step's embedding stage idle -> running when
// the first vectorization item for that step is enqueued.
func EmbeddingItemEnqueued(doc *models.StatusDocument, stepName string) error {
	step, ok := doc.Steps[stepName]
	if !ok {
		return fmt.Errorf("unknown step %q", stepName)
	}
	if step.Embedding == models.StepIdle {
		step.Embedding = models.StepRunning
	}
	return nil
}

// EmbeddingDrained marks a step's embedding stage finished once the
// vectorization queue for (tenant, step) has reached zero outstanding
// items and transform has already finished.
func EmbeddingDrained(doc *models.StatusDocument, stepName string, outstanding int) error {
	step, ok := doc.Steps[stepName]
	if !ok {
		return fmt.Errorf("unknown step %q", stepName)
	}
	if outstanding == 0 && step.Transform == models.StepFinished {
		step.Embedding = models.StepFinished
	}
	return nil
}

// AdvanceResult reports what AdvanceIfStepFinished did, so the caller
// knows whether to seed a new extraction message or emit completion.
type AdvanceResult struct {
	StepFinished bool
	NextStep     string // set if StepFinished and a next step exists
	RunFinished  bool   // set if StepFinished and there is no next step
}

// AdvanceIfStepFinished checks whether stepName's three stages are all
// finished; if so, it seeds the next step's extraction (idle -> running)
// or, if stepName was the last step, marks the run finished.
func AdvanceIfStepFinished(doc *models.StatusDocument, stepName string) (AdvanceResult, error) {
	step, ok := doc.Steps[stepName]
	if !ok {
		return AdvanceResult{}, fmt.Errorf("unknown step %q", stepName)
	}
	if !step.AllFinished() {
		return AdvanceResult{}, nil
	}

	order := orderedStepNames(doc)
	idx := indexOf(order, stepName)
	if idx < 0 {
		return AdvanceResult{}, fmt.Errorf("step %q missing from ordered list", stepName)
	}

	if idx == len(order)-1 {
		doc.Overall = models.OverallFinished
		return AdvanceResult{StepFinished: true, RunFinished: true}, nil
	}

	next := order[idx+1]
	doc.Steps[next].Extraction = models.StepRunning
	return AdvanceResult{StepFinished: true, NextStep: next}, nil
}

// Fail transitions the whole run to failed and marks the named step's
// failing stage as failed; other steps and stages are left untouched (they
// stay idle per the spec). stepName/stage may be empty (e.g. a failure not
// tied to a specific step) in which case only Overall changes.
func Fail(doc *models.StatusDocument, stepName string, stage models.Stage) {
	doc.Overall = models.OverallFailed

	step, ok := doc.Steps[stepName]
	if !ok {
		return
	}
	switch stage {
	case models.StageExtraction:
		step.Extraction = models.StepFailed
	case models.StageTransform:
		step.Transform = models.StepFailed
	case models.StageEmbedding:
		step.Embedding = models.StepFailed
	}
}

// Cancel transitions the whole run to cancelled.
func Cancel(doc *models.StatusDocument) {
	doc.Overall = models.OverallCancelled
}

func firstStepByOrder(doc *models.StatusDocument) string {
	return orderedStepNames(doc)[0]
}

func orderedStepNames(doc *models.StatusDocument) []string {
	names := make([]string, 0, len(doc.Steps))
	for name := range doc.Steps {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return doc.Steps[names[i]].Order < doc.Steps[names[j]].Order
	})
	return names
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
