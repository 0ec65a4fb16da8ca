package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
)

// key identifies a (tenant, job) subscription channel.
func key(tenantID, jobID int64) string {
	return fmt.Sprintf("%d:%d", tenantID, jobID)
}

// Publisher implements interfaces.ProgressPublisher as an in-process fan
// out, generalized from the teacher's Subscribe/Publish event service:
// Publish makes a non-blocking send to each subscriber's buffered channel,
// with no goroutine per subscriber, and retains the latest progress event
// per subscription key so a late subscriber gets an immediate snapshot.
type Publisher struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	latest  map[string]interfaces.ProgressEvent
	logger  arbor.ILogger
	closing bool
}

func New(logger arbor.ILogger) *Publisher {
	return &Publisher{
		subs:   make(map[string][]*subscription),
		latest: make(map[string]interfaces.ProgressEvent),
		logger: logger,
	}
}

type subscription struct {
	ch     chan interfaces.ProgressEvent
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan interfaces.ProgressEvent {
	return s.ch
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

// Subscribe returns a channel of events for (tenantID, jobID). If a
// progress event was published for this key before the subscriber
// arrived, it is delivered immediately as the first event.
func (p *Publisher) Subscribe(tenantID, jobID int64) interfaces.ProgressSubscription {
	k := key(tenantID, jobID)

	sub := &subscription{
		ch:     make(chan interfaces.ProgressEvent, 16),
		closed: make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[k] = append(p.subs[k], sub)
	if last, ok := p.latest[k]; ok {
		select {
		case sub.ch <- last:
		default:
		}
	}
	p.mu.Unlock()

	return sub
}

// Publish fans event out to every live subscriber of its (tenant, job)
// key, dropping it for any subscriber whose buffer is full rather than
// blocking the caller.
func (p *Publisher) Publish(ctx context.Context, event interfaces.ProgressEvent) {
	k := key(event.TenantID, event.JobID)

	p.mu.Lock()
	if event.Kind == interfaces.ProgressEventProgress || event.Kind == interfaces.ProgressEventStatus {
		p.latest[k] = event
	}
	subs := make([]*subscription, 0, len(p.subs[k]))
	live := p.subs[k][:0]
	for _, sub := range p.subs[k] {
		select {
		case <-sub.closed:
			continue
		default:
			live = append(live, sub)
			subs = append(subs, sub)
		}
	}
	p.subs[k] = live
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.closed:
		default:
			p.logger.Warn().Str("key", k).Msg("progress subscriber buffer full, dropping event")
		}
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closing = true
	for _, subs := range p.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	p.subs = make(map[string][]*subscription)
	return nil
}
