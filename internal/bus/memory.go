package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/models"
)

// MemoryBus is the default/test transport: an in-process bus of unbounded
// per-queue slices with a wake-up channel, generalized from a simple
// pub/sub into at-least-once queue
// semantics with manual ack/nack, visibility-timeout redelivery and
// dead-lettering after MaxDeliveries.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]*memQueue

	visibilityTimeout time.Duration
	maxDeliveries     int

	logger arbor.ILogger

	deadLetterMu sync.Mutex
	deadLetters  []DeadLetter

	stop chan struct{}
	done chan struct{}
}

// DeadLetter records a message that exhausted MaxDeliveries.
type DeadLetter struct {
	QueueName string
	Message   *models.Message
	Reason    string
	At        time.Time
}

type memQueue struct {
	mu       sync.Mutex
	ready    []*queueItem
	inFlight map[string]*queueItem
	notify   chan struct{}
}

type queueItem struct {
	id        string
	msg       *models.Message
	attempts  int
	deadline  time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{
		inFlight: make(map[string]*queueItem),
		notify:   make(chan struct{}, 1),
	}
}

// NewMemoryBus builds an in-process bus. visibilityTimeout bounds how long
// a received-but-unacked message stays invisible to other consumers
// before it is redelivered; maxDeliveries bounds total attempts before
// dead-lettering.
func NewMemoryBus(logger arbor.ILogger, visibilityTimeout time.Duration, maxDeliveries int) *MemoryBus {
	b := &MemoryBus{
		queues:            make(map[string]*memQueue),
		visibilityTimeout: visibilityTimeout,
		maxDeliveries:     maxDeliveries,
		logger:            logger,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go b.reap()
	return b
}

func (b *MemoryBus) queueFor(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

// Publish appends msg to the named queue. Idempotency on IdempotencyKey is
// a best-effort dedup against messages currently ready or in flight; the
// bus does not persist a long-lived dedup index.
func (b *MemoryBus) Publish(ctx context.Context, queueName string, msg *models.Message) error {
	q := b.queueFor(queueName)

	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.IdempotencyKey != "" {
		for _, item := range q.ready {
			if item.msg.IdempotencyKey == msg.IdempotencyKey {
				return nil
			}
		}
		for _, item := range q.inFlight {
			if item.msg.IdempotencyKey == msg.IdempotencyKey {
				return nil
			}
		}
	}

	q.ready = append(q.ready, &queueItem{id: uuid.NewString(), msg: msg})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive pops the next ready message, if any, making it invisible to
// other consumers for the bus's visibility timeout.
func (b *MemoryBus) Receive(ctx context.Context, queueName string) (*models.Message, func() error, func() error, error) {
	q := b.queueFor(queueName)

	q.mu.Lock()
	if len(q.ready) == 0 {
		q.mu.Unlock()
		return nil, nil, nil, models.ErrNoMessage
	}

	item := q.ready[0]
	q.ready = q.ready[1:]
	item.attempts++
	item.deadline = time.Now().Add(b.visibilityTimeout)
	q.inFlight[item.id] = item
	q.mu.Unlock()

	ack := func() error {
		q.mu.Lock()
		delete(q.inFlight, item.id)
		q.mu.Unlock()
		return nil
	}

	nack := func() error {
		q.mu.Lock()
		delete(q.inFlight, item.id)
		q.mu.Unlock()
		b.requeueOrDeadLetter(queueName, q, item, "handler nack")
		return nil
	}

	return item.msg, ack, nack, nil
}

func (b *MemoryBus) requeueOrDeadLetter(queueName string, q *memQueue, item *queueItem, reason string) {
	if item.attempts >= b.maxDeliveries {
		b.deadLetterMu.Lock()
		b.deadLetters = append(b.deadLetters, DeadLetter{
			QueueName: queueName,
			Message:   item.msg,
			Reason:    reason,
			At:        time.Now(),
		})
		b.deadLetterMu.Unlock()
		b.logger.Warn().
			Str("queue", queueName).
			Int("attempts", item.attempts).
			Str("reason", reason).
			Msg("message dead-lettered")
		return
	}

	q.mu.Lock()
	q.ready = append(q.ready, item)
	q.mu.Unlock()
}

// Extend pushes out the visibility deadline of an in-flight message.
func (b *MemoryBus) Extend(ctx context.Context, queueName, messageID string, d time.Duration) error {
	q := b.queueFor(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.inFlight[messageID]; ok {
		item.deadline = time.Now().Add(d)
	}
	return nil
}

// Ping always succeeds: the in-process bus has no external transport to
// lose reachability to.
func (b *MemoryBus) Ping(ctx context.Context) error {
	return nil
}

// DeadLetters returns a snapshot of dead-lettered messages, for tests.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *MemoryBus) reap() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reapOnce()
		}
	}
}

func (b *MemoryBus) reapOnce() {
	now := time.Now()

	b.mu.Lock()
	queues := make([]struct {
		name string
		q    *memQueue
	}, 0, len(b.queues))
	for name, q := range b.queues {
		queues = append(queues, struct {
			name string
			q    *memQueue
		}{name, q})
	}
	b.mu.Unlock()

	for _, entry := range queues {
		entry.q.mu.Lock()
		var expired []*queueItem
		for id, item := range entry.q.inFlight {
			if now.After(item.deadline) {
				expired = append(expired, item)
				delete(entry.q.inFlight, id)
			}
		}
		entry.q.mu.Unlock()

		for _, item := range expired {
			b.requeueOrDeadLetter(entry.name, entry.q, item, "visibility timeout expired")
		}
	}
}

func (b *MemoryBus) Close() error {
	close(b.stop)
	<-b.done
	return nil
}
