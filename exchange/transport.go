package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/broker"
)

const (
	// ObjectsChannel is the broker channel the exchange rides on.
	ObjectsChannel = "sapphire_objects"

	// publishRetryDelay paces retries after a failed broker publish.
	publishRetryDelay = 4 * time.Second
)

// wireEnvelope frames every exchange message on the broker.
type wireEnvelope struct {
	Method   string          `json:"method"`
	OriginID string          `json:"origin_id"`
	Data     json.RawMessage `json:"data"`
}

// transport moves envelopes between the manager and the broker. The
// outbound side is an unbounded FIFO drained by one goroutine, so
// publishing never blocks the caller even when the broker is down.
type transport struct {
	bus broker.Bus
	mgr *Manager
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	running bool
	started bool
	done    chan struct{}
	sub     broker.Subscription
}

func newTransport(bus broker.Bus, mgr *Manager, logger *zap.Logger) *transport {
	t := &transport{
		bus:  bus,
		mgr:  mgr,
		log:  logger,
		done: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// start subscribes to the exchange channel, launches the publisher and
// asks peers for their objects.
func (t *transport) start() error {
	sub, err := t.bus.Subscribe(ObjectsChannel, t.handleMessage)
	if err != nil {
		return fmt.Errorf("exchange: subscribe: %w", err)
	}

	t.mu.Lock()
	t.sub = sub
	t.running = true
	t.started = true
	t.mu.Unlock()

	go t.run()

	t.mgr.RequestObjects()
	return nil
}

// stop drains the outbound queue, waits for the publisher to finish
// and detaches from the broker.
func (t *transport) stop() {
	t.mu.Lock()
	if !t.started || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cond.Broadcast()
	t.mu.Unlock()

	<-t.done

	if err := t.sub.Unsubscribe(); err != nil {
		t.log.Warn("unsubscribe failed", zap.Error(err))
	}
}

// publishMethod enqueues one envelope. Messages enqueued before start
// are held until the publisher runs; messages after stop are dropped.
func (t *transport) publishMethod(method string, data any) {
	buf, err := json.Marshal(struct {
		Method   string `json:"method"`
		OriginID string `json:"origin_id"`
		Data     any    `json:"data"`
	}{Method: method, OriginID: t.mgr.originID, Data: data})
	if err != nil {
		t.log.Error("encode envelope failed",
			zap.String("method", method),
			zap.Error(err))
		return
	}

	t.mu.Lock()
	if t.started && !t.running {
		t.mu.Unlock()
		t.log.Warn("transport stopped, dropping message", zap.String("method", method))
		return
	}
	t.queue = append(t.queue, buf)
	t.cond.Signal()
	t.mu.Unlock()
}

// run is the publisher loop. On stop it finishes whatever is queued
// before exiting.
func (t *transport) run() {
	t.log.Info("object publisher started")

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && t.running {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			break
		}
		msg := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.send(msg)
	}

	t.log.Info("object publisher stopped")
	close(t.done)
}

// send retries until the broker takes the message. During shutdown a
// failing message is dropped instead, so stop never wedges on a dead
// broker.
func (t *transport) send(msg []byte) {
	for {
		err := t.bus.Publish(ObjectsChannel, msg)
		if err == nil {
			return
		}

		t.mu.Lock()
		running := t.running
		t.mu.Unlock()
		if !running {
			t.log.Error("dropping message during shutdown", zap.Error(err))
			return
		}

		t.log.Warn("unable to publish, retrying", zap.Error(err))
		time.Sleep(publishRetryDelay)
	}
}

// handleMessage decodes one envelope from the broker. The exchange is
// a broadcast medium, so our own messages come back and are dropped
// here by origin id.
func (t *transport) handleMessage(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.Warn("bad envelope from wire", zap.Error(err))
		return
	}
	if env.OriginID == t.mgr.originID {
		return
	}

	switch env.Method {
	case "publish":
		d, err := DecodeDict(env.Data)
		if err != nil {
			t.log.Warn("bad publish payload", zap.Error(err))
			return
		}
		t.mgr.applyPublish(d)

	case "events":
		dicts, err := decodeDictList(env.Data)
		if err != nil {
			t.log.Warn("bad events payload", zap.Error(err))
			return
		}
		t.mgr.receiveEvents(dicts)

	case "delete":
		d, err := DecodeDict(env.Data)
		if err != nil {
			t.log.Warn("bad delete payload", zap.Error(err))
			return
		}
		if id, ok := d["object_id"].(string); ok && id != "" {
			t.mgr.removeObject(id)
		}

	case "request_objects":
		t.log.Debug("received request for objects")
		t.mgr.PublishObjects()

	default:
		t.log.Warn("unknown exchange method", zap.String("method", env.Method))
	}
}

// DecodeDict parses a JSON object, turning numbers into int64 when
// they fit and float64 otherwise.
func DecodeDict(raw json.RawMessage) (map[string]any, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("exchange: expected object, got %T", v)
	}
	return d, nil
}

func decodeDictList(raw json.RawMessage) ([]map[string]any, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("exchange: expected list, got %T", v)
	}

	dicts := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if d, ok := item.(map[string]any); ok {
			dicts = append(dicts, d)
		}
	}
	return dicts, nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize rewrites json.Number into int64 or float64 so values
// compare naturally with locally produced attributes.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	default:
		return v
	}
}
