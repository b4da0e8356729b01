// Package longpoll buffers exchange events per HTTP session so clients
// can poll for changes without holding a subscription open.
package longpoll

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
)

const (
	// QueueCap bounds a session's backlog; beyond it the oldest event
	// gives way.
	QueueCap = 512

	// DefaultWait is the longest a read blocks for the first event.
	DefaultWait = 60 * time.Second

	defaultTTL       = 300 * time.Second
	defaultReapEvery = 30 * time.Second
)

// Queue is one session's bounded event backlog. Writers never block.
type Queue struct {
	mu      sync.Mutex
	events  []*exchange.Event
	touched time.Time

	wake chan struct{}
}

func newQueue() *Queue {
	return &Queue{
		touched: time.Now(),
		wake:    make(chan struct{}, 1),
	}
}

// push appends one event, dropping the oldest when full.
func (q *Queue) push(e *exchange.Event) {
	q.mu.Lock()
	if len(q.events) >= QueueCap {
		q.events = q.events[1:]
	}
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks up to wait for the first event, then drains whatever has
// accumulated. A timeout returns an empty batch.
func (q *Queue) Next(wait time.Duration) []*exchange.Event {
	q.touch()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			out := q.events
			q.events = nil
			q.touched = time.Now()
			q.mu.Unlock()
			return out
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-deadline.C:
			return nil
		}
	}
}

func (q *Queue) touch() {
	q.mu.Lock()
	q.touched = time.Now()
	q.mu.Unlock()
}

func (q *Queue) idle() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Since(q.touched)
}

// Config carries the registry's knobs. Zero values take the defaults:
// a 300s session TTL checked every 30s.
type Config struct {
	Logger    *zap.Logger
	TTL       time.Duration
	ReapEvery time.Duration
}

// Registry hands out per-session queues and fans exchange events into
// them.
type Registry struct {
	log       *zap.Logger
	ttl       time.Duration
	reapEvery time.Duration

	mu       sync.Mutex
	sessions map[string]*Queue

	detaches []func()
	feeding  bool
	stop     chan struct{}
	done     chan struct{}
}

// New builds an empty session registry.
func New(cfg Config) *Registry {
	r := &Registry{
		log:       cfg.Logger,
		ttl:       cfg.TTL,
		reapEvery: cfg.ReapEvery,
		sessions:  make(map[string]*Queue),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if r.ttl <= 0 {
		r.ttl = defaultTTL
	}
	if r.reapEvery <= 0 {
		r.reapEvery = defaultReapEvery
	}
	return r
}

// Session returns the queue for a session id, creating it on first use.
func (r *Registry) Session(id string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.sessions[id]
	if !ok {
		q = newQueue()
		r.sessions[id] = q
		r.log.Debug("long-poll session opened", zap.String("session", id))
	}
	return q
}

// Feed subscribes the registry to both event signals and starts the
// idle session reaper. Private events never reach the queues.
func (r *Registry) Feed(disp *exchange.Dispatcher) {
	r.detaches = append(r.detaches,
		disp.Connect(exchange.SignalReceivedEvent, r.onEvent),
		disp.Connect(exchange.SignalSentEvent, r.onEvent))
	r.feeding = true
	go r.reap()
}

// Stop detaches from the dispatcher and stops the reaper.
func (r *Registry) Stop() {
	for _, detach := range r.detaches {
		detach()
	}
	if !r.feeding {
		return
	}
	close(r.stop)
	<-r.done
}

func (r *Registry) onEvent(payload any) {
	e, ok := payload.(*exchange.Event)
	if !ok || e.Private() {
		return
	}

	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.sessions))
	for _, q := range r.sessions {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.push(e)
	}
}

func (r *Registry) reap() {
	defer close(r.done)

	t := time.NewTicker(r.reapEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
		}

		r.mu.Lock()
		for id, q := range r.sessions {
			if q.idle() > r.ttl {
				delete(r.sessions, id)
				r.log.Debug("long-poll session reaped", zap.String("session", id))
			}
		}
		r.mu.Unlock()
	}
}
