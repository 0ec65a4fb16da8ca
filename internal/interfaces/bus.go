package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tessera/internal/models"
)

// Bus is the durable, at-least-once message queue (C1). Queues are named by
// tier (extraction) or tenant (transform, embedding); see
// models.Message.QueueName.
type Bus interface {
	// Publish enqueues msg on queueName. Publish is expected to be
	// idempotent on msg.IdempotencyKey when the key is set, but the bus is
	// not required to deduplicate — consumers must tolerate duplicates.
	Publish(ctx context.Context, queueName string, msg *models.Message) error

	// Receive pops the next available message from queueName. It returns
	// models.ErrNoMessage if the queue is currently empty. The returned ack
	// function must be called after the handler's side effects are durable;
	// the returned nack function requeues (or dead-letters, after
	// MaxDeliveries) the message.
	Receive(ctx context.Context, queueName string) (msg *models.Message, ack func() error, nack func() error, err error)

	// Extend pushes out the visibility timeout of an in-flight message,
	// used by handlers doing long-running work between receive and ack.
	Extend(ctx context.Context, queueName, messageID string, d time.Duration) error

	// Ping reports whether the bus transport is reachable, for the
	// /healthz readiness check.
	Ping(ctx context.Context) error

	Close() error
}
