// Package orchestrator drives a single job execution: it seeds the first
// step's extraction message, consumes step-completion signals published by
// stage handlers, and advances the canonical status document accordingly
// (C6, working with the pure transition rules in internal/status).
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/status"
)

// SignalKind enumerates the step-completion signals stage handlers emit
// onto the orchestrator's per-tenant queue.
type SignalKind string

const (
	SignalTransformProcessed SignalKind = "transform_processed"
	SignalEmbeddingEnqueued  SignalKind = "embedding_enqueued"
	SignalEmbeddingDrained   SignalKind = "embedding_drained"
	SignalStepFailed         SignalKind = "step_failed"
	SignalCancelled          SignalKind = "cancelled"
)

// Signal is the payload of an orchestrator-queue message.
type Signal struct {
	Kind        SignalKind
	TenantID    int64
	JobID       int64
	StepName    string
	Stage       models.Stage
	LastItem    bool
	Outstanding int
}

// QueueName is the per-tenant orchestrator signal queue.
func QueueName(tenantID int64) string {
	return fmt.Sprintf("orchestrator_queue_tenant_%d", tenantID)
}

// Orchestrator implements interfaces.Orchestrator.
type Orchestrator struct {
	db          interfaces.DB
	bus         interfaces.Bus
	publisher   interfaces.ProgressPublisher
	checkpoints interfaces.CheckpointStore
	logger      arbor.ILogger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex // jobID -> serializes status transitions, standing in for a row lock on sqlite
}

func New(db interfaces.DB, bus interfaces.Bus, publisher interfaces.ProgressPublisher, checkpoints interfaces.CheckpointStore, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		db:          db,
		bus:         bus,
		publisher:   publisher,
		checkpoints: checkpoints,
		logger:      logger,
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(jobID int64) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[jobID] = l
	}
	return l
}

// Run seeds (or resumes) the job-schedule's run and blocks, consuming
// completion signals, until the status document reaches a terminal
// overall state or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, tenantID, jobID int64) error {
	if err := o.seedRun(ctx, tenantID, jobID); err != nil {
		return fmt.Errorf("seed run: %w", err)
	}

	queueName := QueueName(tenantID)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msg, ack, nack, err := o.bus.Receive(ctx, queueName)
			if err == nil {
				if handleErr := o.handleSignalMessage(ctx, tenantID, jobID, msg); handleErr != nil {
					o.logger.Error().Err(handleErr).Msg("failed to apply orchestrator signal")
					_ = nack()
				} else {
					_ = ack()
				}
			}

			terminal, termErr := o.isTerminal(ctx, jobID)
			if termErr != nil {
				return termErr
			}
			if terminal {
				return nil
			}
		}
	}
}

func (o *Orchestrator) handleSignalMessage(ctx context.Context, tenantID, jobID int64, msg *models.Message) error {
	// Signals are carried in the message payload as JSON-encoded Signal
	// values; StepName/LastItem also ride the envelope for convenience.
	sig := Signal{
		Kind:     SignalKind(msg.Type),
		TenantID: tenantID,
		JobID:    jobID,
		StepName: msg.StepName,
		Stage:    msg.Stage,
		LastItem: msg.LastItem,
	}
	return o.Apply(ctx, sig)
}

func (o *Orchestrator) seedRun(ctx context.Context, tenantID, jobID int64) error {
	lock := o.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		sched, err := loadSchedule(ctx, tx, tenantID, jobID)
		if err != nil {
			return err
		}

		doc, err := sched.Status()
		if err != nil {
			return err
		}
		if len(doc.Steps) == 0 {
			doc = models.NewStatusDocument(sched.Steps)
		}

		// A job_schedule left overall=running by a process that crashed
		// mid-run is resumed rather than restarted: if the step that was
		// mid-extraction has a saved checkpoint cursor, republish its
		// continuation instead of re-seeding the run from the first step
		// and losing everything already paged.
		stepName := ""
		cursor := ""
		resuming := false
		if doc.Overall == models.OverallRunning && o.checkpoints != nil {
			if running := runningExtractionStep(doc); running != "" {
				if cp, ok, cpErr := o.checkpoints.Get(ctx, tenantID, jobID, running, "extraction"); cpErr == nil && ok {
					stepName, cursor, resuming = running, cp.CursorToken, true
				}
			}
		}

		if !resuming {
			stepName, err = status.StartRun(doc)
			if err != nil {
				return err
			}
			if err := sched.SetStatus(doc); err != nil {
				return err
			}
		}

		now := time.Now()
		sched.LastRunStartedAt = &now
		if err := saveScheduleStatus(ctx, tx, sched); err != nil {
			return err
		}

		idemSuffix := "seed"
		if resuming {
			idemSuffix = "resume:" + cursor
		}
		seed := &models.Message{
			TenantID:       tenantID,
			JobID:          jobID,
			IntegrationID:  sched.IntegrationID,
			Type:           "extract",
			StepName:       stepName,
			Stage:          models.StageExtraction,
			FirstItem:      !resuming,
			Cursor:         cursor,
			IdempotencyKey: fmt.Sprintf("%d:%d:%s:extraction:%s", tenantID, jobID, stepName, idemSuffix),
		}
		tier, err := tenantTier(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if err := o.bus.Publish(ctx, seed.QueueName(tier), seed); err != nil {
			return fmt.Errorf("publish seed message: %w", err)
		}

		if resuming {
			o.logger.Warn().Int64("job_id", jobID).Str("step", stepName).Str("cursor", cursor).Msg("resumed job from checkpoint after restart")
		}

		o.publisher.Publish(ctx, interfaces.ProgressEvent{
			Kind:     interfaces.ProgressEventStatus,
			TenantID: tenantID,
			JobID:    jobID,
			Status:   doc,
		})
		return nil
	})
}

// runningExtractionStep returns the name of the step currently mid-
// extraction, or "" if none is (the run is idle, or between steps).
func runningExtractionStep(doc *models.StatusDocument) string {
	for name, step := range doc.Steps {
		if step.Extraction == models.StepRunning {
			return name
		}
	}
	return ""
}

// Apply applies one completion signal to the status document under the
// per-job lock, persists it, and seeds follow-on messages as needed.
func (o *Orchestrator) Apply(ctx context.Context, sig Signal) error {
	lock := o.lockFor(sig.JobID)
	lock.Lock()
	defer lock.Unlock()

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		sched, err := loadSchedule(ctx, tx, sig.TenantID, sig.JobID)
		if err != nil {
			return err
		}
		doc, err := sched.Status()
		if err != nil {
			return err
		}

		switch sig.Kind {
		case SignalTransformProcessed:
			if err := status.TransformProcessed(doc, sig.StepName, sig.LastItem); err != nil {
				return err
			}
		case SignalEmbeddingEnqueued:
			if err := status.EmbeddingItemEnqueued(doc, sig.StepName); err != nil {
				return err
			}
		case SignalEmbeddingDrained:
			if err := status.EmbeddingDrained(doc, sig.StepName, sig.Outstanding); err != nil {
				return err
			}
		case SignalStepFailed:
			status.Fail(doc, sig.StepName, sig.Stage)
		case SignalCancelled:
			status.Cancel(doc)
		default:
			return fmt.Errorf("unknown signal kind %q", sig.Kind)
		}

		var advance status.AdvanceResult
		if doc.Overall == models.OverallRunning {
			advance, err = status.AdvanceIfStepFinished(doc, sig.StepName)
			if err != nil {
				return err
			}
		}

		if err := sched.SetStatus(doc); err != nil {
			return err
		}
		if advance.RunFinished {
			now := time.Now()
			sched.LastSuccessAt = &now
			next := sched.AdvanceNextRun(*sched.LastRunStartedAt)
			sched.NextRun = &next
		}
		if err := saveScheduleStatus(ctx, tx, sched); err != nil {
			return err
		}

		o.publisher.Publish(ctx, interfaces.ProgressEvent{
			Kind:     interfaces.ProgressEventStatus,
			TenantID: sig.TenantID,
			JobID:    sig.JobID,
			Status:   doc,
		})

		if advance.RunFinished {
			o.publisher.Publish(ctx, interfaces.ProgressEvent{
				Kind:     interfaces.ProgressEventCompletion,
				TenantID: sig.TenantID,
				JobID:    sig.JobID,
			})
		} else if advance.NextStep != "" {
			seed := &models.Message{
				TenantID:       sig.TenantID,
				JobID:          sig.JobID,
				IntegrationID:  sched.IntegrationID,
				Type:           "extract",
				StepName:       advance.NextStep,
				Stage:          models.StageExtraction,
				FirstItem:      true,
				IdempotencyKey: fmt.Sprintf("%d:%d:%s:extraction:seed", sig.TenantID, sig.JobID, advance.NextStep),
			}
			tier, err := tenantTier(ctx, tx, sig.TenantID)
			if err != nil {
				return err
			}
			if err := o.bus.Publish(ctx, seed.QueueName(tier), seed); err != nil {
				return fmt.Errorf("publish next-step seed: %w", err)
			}
		}

		return nil
	})
}

func (o *Orchestrator) isTerminal(ctx context.Context, jobID int64) (bool, error) {
	row := o.db.RO().QueryRowContext(ctx, `SELECT status FROM job_schedules WHERE id = ?`, jobID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return false, fmt.Errorf("read status for terminal check: %w", err)
	}
	doc, err := models.UnmarshalStatus(raw)
	if err != nil {
		return false, err
	}
	switch doc.Overall {
	case models.OverallFinished, models.OverallFailed, models.OverallCancelled:
		return true, nil
	}
	return false, nil
}

func tenantTier(ctx context.Context, tx *sql.Tx, tenantID int64) (models.Tier, error) {
	row := tx.QueryRowContext(ctx, `SELECT tier FROM tenants WHERE id = ?`, tenantID)
	var tier models.Tier
	if err := row.Scan(&tier); err != nil {
		return "", fmt.Errorf("load tenant tier: %w", err)
	}
	return tier, nil
}

func loadSchedule(ctx context.Context, tx *sql.Tx, tenantID, jobID int64) (*models.JobSchedule, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, integration_id, job_name, execution_order, schedule_interval_minutes,
		        steps_json, last_run_started_at, last_success_at, next_run, active, status, cancel_flag
		 FROM job_schedules WHERE id = ? AND tenant_id = ?`,
		jobID, tenantID)

	var sched models.JobSchedule
	var stepsJSON string
	if err := row.Scan(&sched.ID, &sched.TenantID, &sched.IntegrationID, &sched.JobName, &sched.ExecutionOrder,
		&sched.ScheduleIntervalMinutes, &stepsJSON, &sched.LastRunStartedAt, &sched.LastSuccessAt, &sched.NextRun,
		&sched.Active, &sched.StatusJSON, &sched.CancelFlag); err != nil {
		return nil, fmt.Errorf("load job schedule: %w", err)
	}
	sched.Steps = decodeSteps(stepsJSON)
	return &sched, nil
}

func saveScheduleStatus(ctx context.Context, tx *sql.Tx, sched *models.JobSchedule) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE job_schedules SET status = ?, last_run_started_at = ?, last_success_at = ?, next_run = ?, updated_at = ?
		 WHERE id = ?`,
		sched.StatusJSON, sched.LastRunStartedAt, sched.LastSuccessAt, sched.NextRun, time.Now(), sched.ID)
	if err != nil {
		return fmt.Errorf("save job schedule status: %w", err)
	}
	return nil
}

func decodeSteps(raw string) []string {
	var steps []string
	if raw == "" || raw == "[]" {
		return steps
	}
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil
	}
	return steps
}
