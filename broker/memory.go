package broker

import (
	"sync"

	"go.uber.org/zap"
)

// memBufferSize is how many undelivered messages a slow subscriber can
// accumulate before the bus starts dropping.
const memBufferSize = 256

// MemoryBus is an in-process Bus. A single instance shared between
// components gives a full pub/sub fabric with no external broker.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
	log    *zap.Logger
}

// NewMemory builds an empty bus.
func NewMemory(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memSub),
		log:  logger,
	}
}

// Publish delivers data to every subscriber of channel. Each subscriber
// runs its handler on its own goroutine, so a slow handler never stalls
// the publisher or its peers.
func (b *MemoryBus) Publish(channel string, data []byte) error {
	b.mu.RLock()
	subs := append([]*memSub(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- data:
		default:
			b.log.Warn("dropping message for slow subscriber",
				zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe registers h for channel.
func (b *MemoryBus) Subscribe(channel string, h Handler) (Subscription, error) {
	sub := &memSub{
		bus:     b,
		channel: channel,
		queue:   make(chan []byte, memBufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-sub.queue:
				h(data)
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, channel := range subs {
		for _, sub := range channel {
			sub.stop()
		}
	}
	return nil
}

type memSub struct {
	bus     *MemoryBus
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Unsubscribe detaches the handler and stops its delivery goroutine.
func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}
