// Package dispatch resolves an incoming bus message to the provider step
// handler that owns it, builds the HandlerContext the handler needs, and
// translates the handler's result into bus ack/nack decisions and
// orchestrator signals per the error-kind propagation policy:
//
//   - Retryable: returned as-is so the worker pool nacks with requeue; the
//     bus counts deliveries toward its dead-letter limit.
//   - TransientDB: retried in-process up to 3 times with backoff by
//     retryTransientDB before falling through to the same nack path as
//     Retryable.
//   - PoisonMessage: written to the dead_letters table, an exception event
//     is emitted, and the message is acked (never redelivered).
//   - ProviderAuth / ProviderSchema: an exception event is emitted and the
//     step is signalled failed to the orchestrator; the message is acked.
//   - ModelMismatch: an exception event is emitted; the message is acked.
//   - Cancelled: the orchestrator is signalled cancelled; the message is
//     acked.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/orchestrator"
	"github.com/ternarybob/tessera/internal/pipeline"
	"github.com/ternarybob/tessera/internal/worker"
)

type stepEntry struct {
	def interfaces.StepDefinition
}

// Dispatcher is the registry-backed bridge between the worker pool (C4) and
// the provider adapters (C5). One Dispatcher serves every tier and tenant
// queue; it is stateless aside from the provider registry built at
// startup.
type Dispatcher struct {
	db          interfaces.DB
	bus         interfaces.Bus
	checkpoints interfaces.CheckpointStore
	publisher   interfaces.ProgressPublisher
	logger      arbor.ILogger

	steps               map[string]stepEntry
	embeddingByProvider  map[string]interfaces.EmbeddingHandler
	tableToProvider      map[string]string
}

func New(db interfaces.DB, bus interfaces.Bus, checkpoints interfaces.CheckpointStore, publisher interfaces.ProgressPublisher, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		db:                  db,
		bus:                 bus,
		checkpoints:         checkpoints,
		publisher:           publisher,
		logger:              logger,
		steps:               make(map[string]stepEntry),
		embeddingByProvider: make(map[string]interfaces.EmbeddingHandler),
		tableToProvider:     make(map[string]string),
	}
}

// Register wires one provider's step list and embedding handler into the
// dispatcher. tableNames lists the normalized tables this provider's
// transform handlers write to, so a vectorization-queue message (which
// only carries a table name) can be routed back to the right provider's
// embedding handler.
func (d *Dispatcher) Register(p interfaces.Provider, tableNames ...string) {
	for _, def := range p.Steps() {
		d.steps[def.Name] = stepEntry{def: def}
	}
	d.embeddingByProvider[p.Name()] = p.Embedding()
	for _, t := range tableNames {
		d.tableToProvider[t] = p.Name()
	}
}

// ExtractionHandleFunc returns the HandleFunc to register against every
// tier's extraction queue.
func (d *Dispatcher) ExtractionHandleFunc() worker.HandleFunc {
	return func(ctx context.Context, msg *models.Message) error {
		tenant, integration, err := d.loadTenantIntegration(ctx, msg.TenantID, msg.IntegrationID)
		if err != nil {
			return err
		}
		entry, ok := d.steps[msg.StepName]
		if !ok || entry.def.Extraction == nil {
			return d.triage(ctx, msg, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageExtraction, fmt.Errorf("no extraction handler registered for step %q", msg.StepName)))
		}

		hc := d.handlerContext(ctx, tenant, integration, msg.JobID)
		return d.triage(ctx, msg, d.retryTransientDB(ctx, func() error { return entry.def.Extraction.Extract(hc, msg) }))
	}
}

// TransformHandleFunc returns the HandleFunc to register against a
// tenant's transform queue.
func (d *Dispatcher) TransformHandleFunc() worker.HandleFunc {
	return func(ctx context.Context, msg *models.Message) error {
		tenant, integration, err := d.loadTenantIntegration(ctx, msg.TenantID, msg.IntegrationID)
		if err != nil {
			return err
		}
		entry, ok := d.steps[msg.StepName]
		if !ok || entry.def.Transform == nil {
			return d.triage(ctx, msg, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageTransform, fmt.Errorf("no transform handler registered for step %q", msg.StepName)))
		}

		hc := d.handlerContext(ctx, tenant, integration, msg.JobID)
		raw, err := pipeline.LoadRawRecord(ctx, hc, msg)
		if err != nil {
			return d.triage(ctx, msg, err)
		}

		// raw.Type == "" is the empty-final-page sentinel PersistPage
		// writes when a step's last provider page had no items: there is
		// nothing to transform, only the completion signal below to
		// raise.
		if raw.Type != "" {
			if err := d.retryTransientDB(ctx, func() error { return entry.def.Transform.Transform(hc, raw) }); err != nil {
				return d.triage(ctx, msg, err)
			}
		}

		// Publish transform-processed before the embedding signal: the
		// orchestrator consumes this tenant's signal queue in order, and
		// EmbeddingDrained only finishes the step once it observes
		// Transform already marked finished.
		if err := d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalTransformProcessed, raw.LastItem, 0); err != nil {
			return d.triage(ctx, msg, err)
		}

		// A step whose transform enqueued no vectorization item (no
		// embeddable content) would otherwise wait forever for an
		// embedding-drained signal that never comes, since only
		// EmbeddingHandleFunc ever publishes one. Treat it as vacuously
		// finished instead.
		if hc.Enqueued {
			if err := d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalEmbeddingEnqueued, false, 0); err != nil {
				d.logger.Warn().Err(err).Msg("failed to publish embedding-enqueued signal")
			}
			return nil
		}
		return d.triage(ctx, msg, d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalEmbeddingDrained, false, 0))
	}
}

// EmbeddingHandleFunc returns the HandleFunc to register against a
// tenant's vectorization queue.
func (d *Dispatcher) EmbeddingHandleFunc() worker.HandleFunc {
	return func(ctx context.Context, msg *models.Message) error {
		item, err := pipeline.DecodeVectorizationItem(msg)
		if err != nil {
			return d.triage(ctx, msg, err)
		}

		providerName, ok := d.tableToProvider[item.TableName]
		if !ok {
			return d.triage(ctx, msg, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageEmbedding, fmt.Errorf("no provider registered for table %q", item.TableName)))
		}
		handler, ok := d.embeddingByProvider[providerName]
		if !ok {
			return d.triage(ctx, msg, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageEmbedding, fmt.Errorf("no embedding handler registered for provider %q", providerName)))
		}

		tenant, err := d.loadTenant(ctx, msg.TenantID)
		if err != nil {
			return err
		}
		hc := d.handlerContext(ctx, tenant, nil, msg.JobID)

		if err := d.retryTransientDB(ctx, func() error { return handler.Embed(hc, item) }); err != nil {
			return d.triage(ctx, msg, err)
		}

		outstanding, err := pipeline.MarkVectorizationComplete(ctx, d.db, msg.TenantID, msg.StepName, item.TableName, item.ExternalID)
		if err != nil {
			return err
		}
		return d.triage(ctx, msg, d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalEmbeddingDrained, false, outstanding))
	}
}

func (d *Dispatcher) handlerContext(ctx context.Context, tenant *models.Tenant, integration *models.Integration, jobID int64) *interfaces.HandlerContext {
	return &interfaces.HandlerContext{
		Context:     ctx,
		Tenant:      tenant,
		Integration: integration,
		DB:          d.db,
		Publisher:   d.publisher,
		Bus:         d.bus,
		Checkpoints: d.checkpoints,
		Cancelled:   d.cancelledFunc(jobID),
	}
}

func (d *Dispatcher) cancelledFunc(jobID int64) func() bool {
	return func() bool {
		row := d.db.RO().QueryRow(`SELECT cancel_flag FROM job_schedules WHERE id = ?`, jobID)
		var flag int
		if err := row.Scan(&flag); err != nil {
			return false
		}
		return flag != 0
	}
}

func (d *Dispatcher) loadTenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	var t models.Tenant
	row := d.db.RO().QueryRowContext(ctx,
		`SELECT id, name, tier, active, time_zone, created_at, updated_at FROM tenants WHERE id = ?`, tenantID)
	if err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.Active, &t.TimeZone, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("load tenant %d: %w", tenantID, err)
	}
	return &t, nil
}

func (d *Dispatcher) loadTenantIntegration(ctx context.Context, tenantID, integrationID int64) (*models.Tenant, *models.Integration, error) {
	tenant, err := d.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	var in models.Integration
	row := d.db.RO().QueryRowContext(ctx,
		`SELECT id, tenant_id, provider, base_url, credential_ref, active, created_at, updated_at FROM integrations WHERE id = ?`, integrationID)
	if err := row.Scan(&in.ID, &in.TenantID, &in.Provider, &in.BaseURL, &in.CredentialRef, &in.Active, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("load integration %d: %w", integrationID, err)
	}
	return tenant, &in, nil
}

func (d *Dispatcher) publishSignal(ctx context.Context, tenantID, jobID int64, stepName string, stage models.Stage, kind orchestrator.SignalKind, lastItem bool, outstanding int) error {
	msg := &models.Message{
		TenantID: tenantID,
		JobID:    jobID,
		Type:     string(kind),
		StepName: stepName,
		Stage:    stage,
		LastItem: lastItem,
	}
	return d.bus.Publish(ctx, orchestrator.QueueName(tenantID), msg)
}

// retryTransientDB retries fn up to 3 times with exponential backoff when it
// fails with models.KindTransientDB; any other error (or success) returns
// immediately. Modeled on internal/db.RetryOnBusy's backoff shape, scoped to
// the stage-handler DB-write path rather than sqlite-busy errors.
func (d *Dispatcher) retryTransientDB(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	backoff := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		kind, ok := models.KindOf(lastErr)
		if !ok || kind != models.KindTransientDB {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		d.logger.Debug().Int("attempt", attempt+1).Err(lastErr).Msg("transient db error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// triage applies the error-kind propagation policy described in the
// package doc. A nil return means the worker pool should ack; a non-nil
// return means it should nack (requeue, counted toward the bus's
// dead-letter limit).
func (d *Dispatcher) triage(ctx context.Context, msg *models.Message, err error) error {
	if err == nil {
		return nil
	}

	kind, ok := models.KindOf(err)
	if !ok {
		return err
	}

	switch kind {
	case models.KindRetryable, models.KindTransientDB:
		return err
	case models.KindPoisonMessage:
		d.deadLetter(ctx, msg, err)
		d.emitException(ctx, msg, "warn", err)
		return nil
	case models.KindProviderAuth, models.KindProviderSchema:
		d.emitException(ctx, msg, "error", err)
		if sigErr := d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalStepFailed, false, 0); sigErr != nil {
			d.logger.Error().Err(sigErr).Msg("failed to publish step-failed signal")
		}
		return nil
	case models.KindModelMismatch:
		d.emitException(ctx, msg, "warn", err)
		return nil
	case models.KindCancelled:
		d.emitException(ctx, msg, "info", err)
		if sigErr := d.publishSignal(ctx, msg.TenantID, msg.JobID, msg.StepName, msg.Stage, orchestrator.SignalCancelled, false, 0); sigErr != nil {
			d.logger.Error().Err(sigErr).Msg("failed to publish cancelled signal")
		}
		return nil
	default:
		return err
	}
}

func (d *Dispatcher) emitException(ctx context.Context, msg *models.Message, level string, err error) {
	d.publisher.Publish(ctx, interfaces.ProgressEvent{
		Kind:     interfaces.ProgressEventException,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		StepName: msg.StepName,
		Level:    level,
		Message:  "stage handler error",
		Details:  err.Error(),
	})
}

// deadLetter records a poison message for manual inspection. Best-effort:
// a failure to write the dead letter is logged but does not change the
// ack/nack decision, since redelivering a malformed payload would not help.
func (d *Dispatcher) deadLetter(ctx context.Context, msg *models.Message, cause error) {
	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		payload = []byte(`{}`)
	}
	if _, err := d.db.RW().ExecContext(ctx,
		`INSERT INTO dead_letters (queue_name, tenant_id, payload_json, reason, created_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		msg.QueueName(""), msg.TenantID, string(payload), cause.Error()); err != nil {
		d.logger.Error().Err(err).Msg("failed to write dead letter")
	}
}
