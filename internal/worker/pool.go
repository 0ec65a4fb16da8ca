package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// HandleFunc processes one message popped from a queue. Returning a
// *models.Error with Kind == models.KindRetryable nacks with requeue;
// any other non-nil error also nacks (the bus handles dead-lettering
// after MaxDeliveries); nil acks.
type HandleFunc func(ctx context.Context, msg *models.Message) error

// crashPolicy backs off a consumer goroutine that panics repeatedly: on
// the Kth crash within window W, the goroutine sleeps with exponential
// backoff before resuming instead of respawning immediately.
type crashPolicy struct {
	maxCrashes int
	window     time.Duration

	mu      sync.Mutex
	crashes []time.Time
}

func newCrashPolicy(maxCrashes int, window time.Duration) *crashPolicy {
	return &crashPolicy{maxCrashes: maxCrashes, window: window}
}

// recordAndBackoff records a crash and returns the backoff duration to
// sleep before resuming, 0 if the crash rate has not crossed the
// threshold yet.
func (c *crashPolicy) recordAndBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.crashes = append(c.crashes, now)

	cutoff := now.Add(-c.window)
	live := c.crashes[:0]
	for _, t := range c.crashes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	c.crashes = live

	if len(c.crashes) < c.maxCrashes {
		return 0
	}

	excess := len(c.crashes) - c.maxCrashes
	backoff := time.Second << uint(excess)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

// consumerKey identifies one supervised consumer instance within the pool.
type consumerKey struct {
	scope string // "tier:<tier>" or "tenant:<id>"
	stage models.Stage
}

func (k consumerKey) String() string {
	return fmt.Sprintf("%s/%s", k.scope, k.stage)
}

type consumerGroup struct {
	key         consumerKey
	queueName   string
	handler     HandleFunc
	desired     int
	cancel      context.CancelFunc
	running     int
	lastBeat    time.Time
	mu          sync.Mutex
}

// Pool implements interfaces.WorkerPool: per (tenant-or-tier, stage), a
// supervisor spawns the configured worker count bound to the matching
// queue, restarting crashed handlers with exponential backoff after
// repeated crashes.
type Pool struct {
	bus    interfaces.Bus
	logger arbor.ILogger

	mu     sync.Mutex
	groups map[string]*consumerGroup

	maxCrashes int
	crashWindow time.Duration
}

func NewPool(bus interfaces.Bus, logger arbor.ILogger) *Pool {
	return &Pool{
		bus:         bus,
		logger:      logger,
		groups:      make(map[string]*consumerGroup),
		maxCrashes:  5,
		crashWindow: time.Minute,
	}
}

// Register declares a consumer group for a given scope/stage/queue with a
// desired worker count and handler. It does not start the workers; call
// StartAll or StartTenantWorkers to do that.
func (p *Pool) Register(scope string, stage models.Stage, queueName string, desired int, handler HandleFunc) {
	k := consumerKey{scope: scope, stage: stage}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[k.String()] = &consumerGroup{
		key:       k,
		queueName: queueName,
		handler:   handler,
		desired:   desired,
	}
}

func (p *Pool) StartAll(ctx context.Context) error {
	p.mu.Lock()
	groups := make([]*consumerGroup, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	for _, g := range groups {
		p.startGroup(ctx, g)
	}
	return nil
}

func (p *Pool) StartTenantWorkers(ctx context.Context, tenantID int64) error {
	scope := fmt.Sprintf("tenant:%d", tenantID)
	p.mu.Lock()
	groups := make([]*consumerGroup, 0)
	for _, g := range p.groups {
		if g.key.scope == scope {
			groups = append(groups, g)
		}
	}
	p.mu.Unlock()

	for _, g := range groups {
		p.startGroup(ctx, g)
	}
	return nil
}

func (p *Pool) StopTenantWorkers(ctx context.Context, tenantID int64) error {
	scope := fmt.Sprintf("tenant:%d", tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if g.key.scope == scope && g.cancel != nil {
			g.cancel()
			g.cancel = nil
		}
	}
	return nil
}

func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if g.cancel != nil {
			g.cancel()
			g.cancel = nil
		}
	}
	return nil
}

func (p *Pool) Status(ctx context.Context) []interfaces.WorkerPoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]interfaces.WorkerPoolStatus, 0, len(p.groups))
	for _, g := range p.groups {
		g.mu.Lock()
		status := interfaces.WorkerPoolStatus{
			Key:         g.key.String(),
			Running:     g.cancel != nil,
			ActiveCount: g.running,
		}
		if !g.lastBeat.IsZero() {
			status.LastHeartbeat = g.lastBeat.Format(time.RFC3339)
		}
		g.mu.Unlock()
		out = append(out, status)
	}
	return out
}

func (p *Pool) startGroup(parent context.Context, g *consumerGroup) {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return // already running; idempotent per spec
	}
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.running = g.desired
	g.mu.Unlock()

	for i := 0; i < g.desired; i++ {
		go p.runConsumer(ctx, g)
	}
}

// runConsumer is the supervised loop for a single handler instance: it
// polls the queue, invokes the handler with panic recovery, and applies
// the crash-window backoff policy before respawning after a panic.
func (p *Pool) runConsumer(ctx context.Context, g *consumerGroup) {
	policy := newCrashPolicy(p.maxCrashes, p.crashWindow)

	for {
		if ctx.Err() != nil {
			return
		}

		crashed := p.consumeUntilCrashOrCancel(ctx, g)
		if !crashed {
			return
		}

		backoff := policy.recordAndBackoff()
		if backoff > 0 {
			p.logger.Warn().
				Str("consumer", g.key.String()).
				Dur("backoff", backoff).
				Msg("consumer crash-looping, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

// consumeUntilCrashOrCancel runs the receive/handle loop until the
// context is cancelled (returns false) or the handler panics (returns
// true so the caller can apply backoff and respawn).
func (p *Pool) consumeUntilCrashOrCancel(ctx context.Context, g *consumerGroup) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("consumer", g.key.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("worker handler panicked - resetting and re-consuming")
			crashed = true
		}
	}()

	const idleBackoff = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		msg, ack, nack, err := p.bus.Receive(ctx, g.queueName)
		if err != nil {
			if err == models.ErrNoMessage {
				select {
				case <-ctx.Done():
					return false
				case <-time.After(idleBackoff):
				}
				continue
			}
			p.logger.Warn().Str("queue", g.queueName).Err(err).Msg("receive failed")
			continue
		}

		g.mu.Lock()
		g.lastBeat = time.Now()
		g.mu.Unlock()

		if err := g.handler(ctx, msg); err != nil {
			if nackErr := nack(); nackErr != nil {
				p.logger.Error().Err(nackErr).Msg("nack failed")
			}
			continue
		}

		if ackErr := ack(); ackErr != nil {
			p.logger.Error().Err(ackErr).Msg("ack failed")
		}
	}
}
