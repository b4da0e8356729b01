package exchange

import (
	"sync"

	"go.uber.org/zap"
)

// Signals carried by the Dispatcher. Payloads are *Event for the event
// signals; the device layer defines its own payloads for the rest.
const (
	SignalReceivedEvent = "received-event"
	SignalSentEvent     = "sent-event"
	SignalFoundDevice   = "found-device"
)

type handlerEntry struct {
	fn func(any)
}

// Dispatcher is an in-process signal fan-out. Handlers run on the
// sender's goroutine; a panicking handler is logged and the remaining
// handlers still run.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
	log      *zap.Logger
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]*handlerEntry),
		log:      logger,
	}
}

// Connect registers h for signal and returns a detach function.
func (d *Dispatcher) Connect(signal string, h func(any)) func() {
	entry := &handlerEntry{fn: h}

	d.mu.Lock()
	d.handlers[signal] = append(d.handlers[signal], entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[signal]
		for i, e := range entries {
			if e == entry {
				d.handlers[signal] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Send delivers payload to every handler connected to signal.
func (d *Dispatcher) Send(signal string, payload any) {
	d.mu.RLock()
	entries := append([]*handlerEntry(nil), d.handlers[signal]...)
	d.mu.RUnlock()

	for _, e := range entries {
		d.dispatch(signal, e, payload)
	}
}

func (d *Dispatcher) dispatch(signal string, e *handlerEntry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("signal handler panicked",
				zap.String("signal", signal),
				zap.Any("panic", r))
		}
	}()
	e.fn(payload)
}
