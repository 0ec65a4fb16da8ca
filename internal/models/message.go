package models

import (
	"encoding/json"
	"errors"
	"strconv"
)

// ErrNoMessage is returned by a bus Receive call when no message is
// currently available.
var ErrNoMessage = errors.New("no messages available")

// Message is the envelope carried by every queue in the bus: a required
// routing header plus stage-specific fields in Payload.
type Message struct {
	TenantID      int64           `json:"tenant_id"`
	JobID         int64           `json:"job_id"`
	IntegrationID int64           `json:"integration_id"`
	Type          string          `json:"type"`
	StepName      string          `json:"step_name"`
	Stage         Stage           `json:"stage"`

	FirstItem bool   `json:"first_item,omitempty"`
	LastItem  bool   `json:"last_item,omitempty"`
	Cursor    string `json:"cursor,omitempty"`

	// IdempotencyKey, when set, is built by the publisher from the tenant,
	// the job or step, the item and the stage. Both buses drop a Publish
	// whose key matches a message still ready or in flight on that queue.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// QueueName returns the bus queue this message belongs on: a shared
// per-tier queue for extraction, a per-tenant queue for transform and
// embedding.
func (m *Message) QueueName(tier Tier) string {
	switch m.Stage {
	case StageExtraction:
		return "extraction_queue_" + string(tier)
	case StageTransform:
		return "transform_queue_tenant_" + strconv.FormatInt(m.TenantID, 10)
	case StageEmbedding:
		return "vectorization_queue_tenant_" + strconv.FormatInt(m.TenantID, 10)
	}
	return ""
}
