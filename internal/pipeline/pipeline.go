// Package pipeline holds the glue every provider's extraction and
// transform handlers share: persisting raw and normalized rows and
// enqueuing vectorization work. Provider adapters import this instead of
// re-deriving the same SQL and queue-naming logic per source system.
//
// Signalling the orchestrator (C6) is deliberately NOT done here: stage
// handlers only see the record they are working on, not the job id the
// run belongs to. internal/dispatch holds the original bus message (which
// does carry job id) and emits the completion signal once a handler
// returns successfully.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/tessera/internal/embedding"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// ExtractedItem is one domain item a step's Extract implementation has
// fetched from the provider, ready to be persisted as a RawExtractionRecord
// and handed to the transform stage.
type ExtractedItem struct {
	ExternalID string
	Type       string
	Payload    interface{}
}

// PersistPage stores a page of extracted items as RawExtractionRecords and
// publishes one transform-stage message per item on the tenant's transform
// queue. lastPage marks the final page of the step; the last item on that
// page carries last_item=true, per the one-record-per-step signalling rule.
//
// An empty final page (a provider whose last page has zero items) still
// writes one raw record with an empty payload and last_item=1: completion
// is signalled exclusively by the transform handler observing last_item on
// a raw record, so a step that skipped this would never leave extraction
// running.
func PersistPage(ctx context.Context, hc *interfaces.HandlerContext, seed *models.Message, items []ExtractedItem, lastPage bool) error {
	if len(items) == 0 {
		if !lastPage {
			return nil
		}
		return persistRawRecord(ctx, hc, seed, "", "{}", "", true)
	}

	for i, item := range items {
		isLast := lastPage && i == len(items)-1

		payload, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal extracted item %s: %w", item.ExternalID, err)
		}

		if err := persistRawRecord(ctx, hc, seed, item.Type, string(payload), item.ExternalID, isLast); err != nil {
			return err
		}
	}
	return nil
}

// persistRawRecord inserts one raw_extraction_data row and publishes its
// transform-stage message. externalID rides the idempotency key and
// transform payload; the empty-final-page sentinel passes "".
func persistRawRecord(ctx context.Context, hc *interfaces.HandlerContext, seed *models.Message, itemType, payload, externalID string, isLast bool) error {
	var rawID int64
	err := hc.DB.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO raw_extraction_data (tenant_id, integration_id, job_id, step_name, type, payload_json, status, last_item, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, CURRENT_TIMESTAMP)`,
			seed.TenantID, seed.IntegrationID, seed.JobID, seed.StepName, itemType, payload, boolToInt(isLast))
		if err != nil {
			return fmt.Errorf("insert raw extraction record: %w", err)
		}
		rawID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}

	transformMsg := &models.Message{
		TenantID:       seed.TenantID,
		JobID:          seed.JobID,
		IntegrationID:  seed.IntegrationID,
		Type:           "transform_item",
		StepName:       seed.StepName,
		Stage:          models.StageTransform,
		LastItem:       isLast,
		IdempotencyKey: fmt.Sprintf("%d:%s:%s:transform:%d", seed.TenantID, seed.StepName, externalID, rawID),
		Payload:        json.RawMessage(fmt.Sprintf(`{"raw_id":%d,"external_id":%q}`, rawID, externalID)),
	}
	if err := hc.Bus.Publish(ctx, transformMsg.QueueName(""), transformMsg); err != nil {
		return fmt.Errorf("publish transform message: %w", err)
	}
	return nil
}

// PublishContinuation checkpoints the next page cursor and publishes the
// continuation message to the extraction stage, in that order: a crash
// between the two yields a duplicate continuation rather than a lost page.
func PublishContinuation(ctx context.Context, hc *interfaces.HandlerContext, msg *models.Message, nextCursor string) error {
	if err := hc.Checkpoints.Save(ctx, interfaces.Checkpoint{
		TenantID: msg.TenantID, JobID: msg.JobID, StepName: msg.StepName, Stage: "extraction", CursorToken: nextCursor,
	}); err != nil {
		return fmt.Errorf("save extraction checkpoint: %w", err)
	}

	next := &models.Message{
		TenantID:       msg.TenantID,
		JobID:          msg.JobID,
		IntegrationID:  msg.IntegrationID,
		Type:           "extract",
		StepName:       msg.StepName,
		Stage:          models.StageExtraction,
		Cursor:         nextCursor,
		IdempotencyKey: fmt.Sprintf("%d:%d:%s:extraction:page:%s", msg.TenantID, msg.JobID, msg.StepName, nextCursor),
	}
	if err := hc.Bus.Publish(ctx, next.QueueName(hc.Tenant.Tier), next); err != nil {
		return fmt.Errorf("publish extraction continuation: %w", err)
	}
	return nil
}

// ClearStepCheckpoint removes the extraction checkpoint once a step's last
// page has been persisted.
func ClearStepCheckpoint(ctx context.Context, hc *interfaces.HandlerContext, msg *models.Message) error {
	return hc.Checkpoints.Clear(ctx, msg.TenantID, msg.JobID, msg.StepName, "extraction")
}

// transformItemPayload is the decoded shape of a transform-stage message's
// Payload, as written by PersistPage.
type transformItemPayload struct {
	RawID      int64  `json:"raw_id"`
	ExternalID string `json:"external_id"`
}

// LoadRawRecord fetches the RawExtractionRecord referenced by a
// transform-stage message.
func LoadRawRecord(ctx context.Context, hc *interfaces.HandlerContext, msg *models.Message) (*models.RawExtractionRecord, error) {
	var p transformItemPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageTransform, fmt.Errorf("decode transform message payload: %w", err))
	}

	row := hc.DB.RO().QueryRowContext(ctx,
		`SELECT id, tenant_id, integration_id, job_id, step_name, type, payload_json, status, last_item, error_details, created_at
		 FROM raw_extraction_data WHERE id = ? AND tenant_id = ?`, p.RawID, msg.TenantID)

	var rec models.RawExtractionRecord
	var lastItem int
	var payload string
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.IntegrationID, &rec.JobID, &rec.StepName, &rec.Type, &payload, &rec.Status, &lastItem, &rec.ErrorDetails, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("load raw extraction record %d: %w", p.RawID, err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.LastItem = lastItem != 0
	return &rec, nil
}

// DecodeRawPayload unmarshals a RawExtractionRecord's payload into out. A
// decode failure is always a PoisonMessage: the record was written by this
// same process, so a malformed payload means the extractor produced bad
// JSON, not a transient condition worth retrying.
func DecodeRawPayload(raw *models.RawExtractionRecord, out interface{}) error {
	if err := json.Unmarshal(raw.Payload, out); err != nil {
		return models.NewError(models.KindPoisonMessage, raw.StepName, models.StageTransform, fmt.Errorf("decode raw extraction payload: %w", err))
	}
	return nil
}

// UpsertDomainRecord writes a normalized domain row into the shared
// domain_records store, returning its internal id (used as
// VectorBridge.record_id).
func UpsertDomainRecord(ctx context.Context, db interfaces.DB, tenantID int64, tableName, externalID string, data map[string]interface{}) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal domain record %s/%s: %w", tableName, externalID, err)
	}

	_, err = db.RW().ExecContext(ctx,
		`INSERT INTO domain_records (tenant_id, table_name, external_id, data_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(tenant_id, table_name, external_id) DO UPDATE SET
		   data_json = excluded.data_json, updated_at = CURRENT_TIMESTAMP`,
		tenantID, tableName, externalID, string(payload))
	if err != nil {
		return 0, fmt.Errorf("upsert domain record %s/%s: %w", tableName, externalID, err)
	}

	row := db.RO().QueryRowContext(ctx,
		`SELECT id FROM domain_records WHERE tenant_id = ? AND table_name = ? AND external_id = ?`,
		tenantID, tableName, externalID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read back domain record id %s/%s: %w", tableName, externalID, err)
	}
	return id, nil
}

// LoadDomainRecord fetches a previously upserted normalized row.
func LoadDomainRecord(ctx context.Context, db interfaces.DB, tenantID int64, tableName, externalID string) (map[string]interface{}, error) {
	row := db.RO().QueryRowContext(ctx,
		`SELECT data_json FROM domain_records WHERE tenant_id = ? AND table_name = ? AND external_id = ?`,
		tenantID, tableName, externalID)

	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("load domain record %s/%s: %w", tableName, externalID, err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode domain record %s/%s: %w", tableName, externalID, err)
	}
	return data, nil
}

// DomainRowLoader adapts LoadDomainRecord into an embedding.RowLoader bound
// to one table name, for registration with an embedding.Handler.
func DomainRowLoader(db interfaces.DB, tableName string) embedding.RowLoader {
	return func(ctx context.Context, tenantID int64, externalID string) (map[string]interface{}, error) {
		return LoadDomainRecord(ctx, db, tenantID, tableName, externalID)
	}
}

// EnqueueVectorization records a pending embedding task and publishes it on
// the tenant's vectorization queue. jobID and stepName ride the message so
// the embedding-stage dispatcher can signal the orchestrator once the item
// is embedded.
func EnqueueVectorization(ctx context.Context, hc *interfaces.HandlerContext, jobID int64, stepName, tableName, externalID string, op models.VectorOperation) error {
	_, err := hc.DB.RW().ExecContext(ctx,
		`INSERT INTO vectorization_queue (tenant_id, step_name, table_name, external_id, operation, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(tenant_id, table_name, external_id, operation) DO UPDATE SET
		   status = 'pending', updated_at = CURRENT_TIMESTAMP`,
		hc.Tenant.ID, stepName, tableName, externalID, string(op))
	if err != nil {
		return fmt.Errorf("enqueue vectorization item %s/%s: %w", tableName, externalID, err)
	}

	msg := &models.Message{
		TenantID: hc.Tenant.ID,
		JobID:    jobID,
		StepName: stepName,
		Type:     string(op),
		Stage:    models.StageEmbedding,
		Payload:  json.RawMessage(fmt.Sprintf(`{"table_name":%q,"external_id":%q,"operation":%q}`, tableName, externalID, op)),
	}
	if err := hc.Bus.Publish(ctx, msg.QueueName(""), msg); err != nil {
		return fmt.Errorf("publish vectorization message: %w", err)
	}
	hc.Enqueued = true
	return nil
}

// vectorizationPayload is the decoded shape of a vectorization-queue
// message's Payload, as written by EnqueueVectorization.
type vectorizationPayload struct {
	TableName  string               `json:"table_name"`
	ExternalID string               `json:"external_id"`
	Operation  models.VectorOperation `json:"operation"`
}

// DecodeVectorizationItem builds a VectorizationQueueItem from a
// vectorization-queue bus message.
func DecodeVectorizationItem(msg *models.Message) (*models.VectorizationQueueItem, error) {
	var p vectorizationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, models.NewError(models.KindPoisonMessage, msg.StepName, models.StageEmbedding, fmt.Errorf("decode vectorization message payload: %w", err))
	}
	return &models.VectorizationQueueItem{
		TenantID:   msg.TenantID,
		StepName:   msg.StepName,
		TableName:  p.TableName,
		ExternalID: p.ExternalID,
		Operation:  p.Operation,
	}, nil
}

// PendingVectorizationCount reports how many vectorization_queue rows for a
// step are still pending, used to decide when embedding has drained.
func PendingVectorizationCount(ctx context.Context, db interfaces.DB, tenantID int64, stepName string) (int, error) {
	row := db.RO().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectorization_queue WHERE tenant_id = ? AND step_name = ? AND status = 'pending'`,
		tenantID, stepName)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending vectorization items: %w", err)
	}
	return n, nil
}

// MarkVectorizationComplete flips a vectorization_queue row to completed
// once its EmbeddingHandler has run, then reports the remaining pending
// count for the step so the caller can decide whether embedding has
// drained.
func MarkVectorizationComplete(ctx context.Context, db interfaces.DB, tenantID int64, stepName, tableName, externalID string) (outstanding int, err error) {
	if _, err := db.RW().ExecContext(ctx,
		`UPDATE vectorization_queue SET status = 'completed', updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND table_name = ? AND external_id = ?`,
		tenantID, tableName, externalID); err != nil {
		return 0, fmt.Errorf("mark vectorization complete %s/%s: %w", tableName, externalID, err)
	}
	return PendingVectorizationCount(ctx, db, tenantID, stepName)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
