// Package exchange replicates key/value objects between processes.
// Every process publishes the objects it originates onto a broker
// channel; peers mirror them locally and exchange attribute changes as
// events. The result is an eventually consistent shared state with no
// central store.
package exchange

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/broker"
)

// catchupWindow is how long after Start the manager considers itself
// still collecting objects from peers.
const catchupWindow = 2 * time.Second

// Manager holds every replicated object this process knows about.
type Manager struct {
	originID string
	log      *zap.Logger
	disp     *Dispatcher

	mu      sync.Mutex
	objects map[string]*Object

	transport *transport
	startedAt time.Time
}

// NewManager builds a manager with a fresh origin id on the given bus.
func NewManager(bus broker.Bus, disp *Dispatcher, logger *zap.Logger) *Manager {
	m := &Manager{
		originID: uuid.NewString(),
		log:      logger,
		disp:     disp,
		objects:  make(map[string]*Object),
	}
	m.transport = newTransport(bus, m, logger)
	return m
}

// OriginID identifies this process on the exchange.
func (m *Manager) OriginID() string { return m.originID }

// Dispatcher returns the signal dispatcher events are delivered on.
func (m *Manager) Dispatcher() *Dispatcher { return m.disp }

// NewObject creates an unpublished object originated by this process.
func (m *Manager) NewObject(collection string) *Object {
	return newObject(m, collection)
}

// NewObjectWithID is NewObject with a caller chosen object id, for
// records whose identity is external, such as devices keyed by their
// hardware id.
func (m *Manager) NewObjectWithID(objectID, collection string) *Object {
	o := newObject(m, collection)
	o.id = objectID
	return o
}

// Start attaches to the broker, asks peers for their objects and
// publishes the origin object that marks this process as alive.
func (m *Manager) Start() error {
	if err := m.transport.start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	origin := m.NewObjectWithID(m.originID, "origin")
	_ = origin.Set("hostname", hostname)
	origin.Publish()

	m.log.Info("exchange started", zap.String("origin_id", m.originID))
	return nil
}

// Stop withdraws every object this process originated and drains the
// outbound queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	var mine []*Object
	for _, o := range m.objects {
		if o.IsOriginator() {
			mine = append(mine, o)
		}
	}
	m.mu.Unlock()

	for _, o := range mine {
		_ = o.Delete()
	}

	m.transport.stop()
	m.log.Info("exchange stopped")
}

// CatchingUp reports whether the manager is still inside the window
// where peers are answering its object request. Consumers that react
// to object arrival may want to hold off until the initial flood is
// over.
func (m *Manager) CatchingUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return false
	}
	return time.Since(m.startedAt) < catchupWindow
}

// Query returns every object matching q. The Expr predicate, if any,
// runs with the manager's lock held and must not call back into the
// manager.
func (m *Manager) Query(q Query) []*Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Object
	for _, o := range m.objects {
		if q.Matches(o.toDictLocked()) {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the object with the given id.
func (m *Manager) Get(objectID string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[objectID]
	return o, ok
}

// Collections returns the sorted set of non-empty collection names.
func (m *Manager) Collections() []string {
	m.mu.Lock()
	seen := make(map[string]struct{})
	for _, o := range m.objects {
		if o.collection != "" {
			seen[o.collection] = struct{}{}
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RequestObjects asks every peer to re-publish its objects.
func (m *Manager) RequestObjects() {
	m.log.Debug("requesting objects")
	m.transport.publishMethod("request_objects", nil)
}

// PublishObjects re-publishes everything, answering a peer's request.
func (m *Manager) PublishObjects() {
	m.mu.Lock()
	objs := make([]*Object, 0, len(m.objects))
	for _, o := range m.objects {
		objs = append(objs, o)
	}
	m.mu.Unlock()

	for _, o := range objs {
		m.publishObject(o)
	}
}

// publishObject broadcasts o if this process originates it, then
// flushes any buffered events. Non-originators only flush events.
func (m *Manager) publishObject(o *Object) {
	m.mu.Lock()
	o.updatedAt = time.Now().UTC()
	var dict map[string]any
	if o.IsOriginator() {
		dict = o.toDictLocked()
		m.objects[o.id] = o
		o.published = true
	}
	events := o.takePendingLocked()
	m.mu.Unlock()

	if dict != nil {
		m.log.Debug("publishing object", zap.String("object", o.String()))
		m.transport.publishMethod("publish", dict)
	}
	if len(events) > 0 {
		m.sendEvents(events)
	}
}

// deleteObject withdraws o from the exchange and the local registry.
func (m *Manager) deleteObject(o *Object) {
	m.mu.Lock()
	dict := o.toDictLocked()
	delete(m.objects, o.id)
	o.published = false
	m.mu.Unlock()

	m.log.Debug("unpublishing object", zap.String("object", o.String()))
	m.transport.publishMethod("delete", dict)
}

// sendEvents pushes events to the exchange and fires the sent signal.
func (m *Manager) sendEvents(events []*Event) {
	dicts := make([]any, len(events))
	for i, e := range events {
		dicts[i] = e.ToDict()
	}
	m.transport.publishMethod("events", dicts)

	for _, e := range events {
		m.disp.Send(SignalSentEvent, e)
	}
}

// applyPublish merges a full object broadcast by a peer. A known
// object has its attributes updated in place; an unknown one is
// inserted as received, keeping the peer's timestamp.
func (m *Manager) applyPublish(d map[string]any) {
	id, _ := d["object_id"].(string)
	if id == "" {
		m.log.Warn("object from wire missing object_id")
		return
	}

	m.mu.Lock()
	if existing, ok := m.objects[id]; ok {
		for k, v := range wireAttrs(d) {
			existing.updateLocked(k, v, time.Time{})
		}
		m.mu.Unlock()
		return
	}

	obj, err := objectFromDict(m, d)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("bad object from wire", zap.Error(err))
		return
	}
	obj.published = true
	m.objects[obj.id] = obj
	m.mu.Unlock()

	m.log.Debug("received new object", zap.String("object", obj.String()))
}

// receiveEvents applies a batch of events atomically, then delivers
// them. Events for unknown objects are still delivered, with no object
// attached.
func (m *Manager) receiveEvents(dicts []map[string]any) {
	events := make([]*Event, 0, len(dicts))
	for _, d := range dicts {
		e, err := eventFromDict(d)
		if err != nil {
			m.log.Warn("bad event from wire", zap.Error(err))
			continue
		}
		events = append(events, e)
	}

	m.mu.Lock()
	for _, e := range events {
		if obj, ok := m.objects[e.ObjectID]; ok {
			e.Object = obj
			obj.updateLocked(e.Key, e.Value, e.Timestamp)
		}
	}
	m.mu.Unlock()

	for _, e := range events {
		m.disp.Send(SignalReceivedEvent, e)
	}
}

// removeObject handles a peer's delete broadcast.
func (m *Manager) removeObject(id string) {
	m.mu.Lock()
	obj, ok := m.objects[id]
	if ok {
		delete(m.objects, id)
		obj.published = false
	}
	m.mu.Unlock()

	if ok {
		m.log.Debug("deleted object", zap.String("object", obj.String()))
	}
}

// wireAttrs strips the metadata keys from a wire dictionary.
func wireAttrs(d map[string]any) map[string]any {
	attrs := make(map[string]any, len(d))
	for k, v := range d {
		switch k {
		case "object_id", "origin_id", "collection", "updated_at":
		default:
			attrs[k] = v
		}
	}
	return attrs
}
