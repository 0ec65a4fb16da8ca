package interfaces

import (
	"context"

	"github.com/ternarybob/tessera/internal/models"
)

// HandlerContext is passed to every stage handler invocation: the tenant
// and integration the message belongs to, DB sessions split by read/write
// concern, and the publisher for emitting progress/exception events.
type HandlerContext struct {
	Context     context.Context
	Tenant      *models.Tenant
	Integration *models.Integration
	DB          DB
	Publisher   ProgressPublisher
	Bus         Bus
	Checkpoints CheckpointStore

	// Cancelled is polled at page boundaries; when true the handler must
	// stop publishing follow-on messages and return a models.Error with
	// Kind == models.KindCancelled.
	Cancelled func() bool

	// Enqueued is set by EnqueueVectorization when a transform handler
	// enqueues at least one vectorization item during this invocation.
	// Dispatch reads it after Transform returns to decide whether the
	// step's embedding stage has anything to wait on.
	Enqueued bool
}

// ExtractionHandler fetches one page from an external provider for a given
// step and cursor, persists RawExtractionRecords, and either checkpoints a
// continuation or marks the step's last page.
type ExtractionHandler interface {
	// StepName identifies which step of the provider's step list this
	// handler serves, e.g. "issues_with_changelogs".
	StepName() string

	// Extract fetches and persists one page. msg carries the cursor (if
	// any) from the previous page. Implementations must be safe to call
	// again with the same cursor after a crash (idempotent on
	// (tenant_id, type, external_id, stage) where supplied).
	Extract(hc *HandlerContext, msg *models.Message) error
}

// TransformHandler reads a RawExtractionRecord, parses it into normalized
// domain rows, and enqueues vectorization items for embeddable content.
type TransformHandler interface {
	StepName() string

	Transform(hc *HandlerContext, raw *models.RawExtractionRecord) error
}

// EmbeddingHandler dequeues a VectorizationQueueItem, assembles canonical
// text from the referenced domain row, calls the embedding provider, and
// writes the vector plus bridge row.
type EmbeddingHandler interface {
	Embed(hc *HandlerContext, item *models.VectorizationQueueItem) error
}

// StepDefinition names one provider step and the extraction/transform
// handler pair that implements it. A provider adapter registers one of
// these per step in its ordered step list.
type StepDefinition struct {
	Name        string
	DisplayName string
	Extraction  ExtractionHandler
	Transform   TransformHandler
}

// Provider groups a provider's ordered step list plus its embedding
// handler. The dispatcher's registry is keyed by step name alone, not by
// provider: registering a step name that another provider already
// registered replaces the earlier entry.
type Provider interface {
	Name() string
	Steps() []StepDefinition
	Embedding() EmbeddingHandler
}
