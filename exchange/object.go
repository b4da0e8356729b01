package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotOriginator reports an operation reserved for the process that
// originated the object: deleting it, or growing its attribute set.
var ErrNotOriginator = errors.New("exchange: not the object's originator")

// Object is one replicated key/value record. The originating process
// owns its lifecycle and its schema; every process, originator or not,
// may update existing attributes and publish those changes as events.
type Object struct {
	mgr *Manager

	// guarded by mgr.mu together with everything below
	id         string
	originID   string
	collection string
	updatedAt  time.Time
	attrs      map[string]any
	pending    map[string]*Event
	published  bool
}

func newObject(mgr *Manager, collection string) *Object {
	return &Object{
		mgr:        mgr,
		id:         uuid.NewString(),
		originID:   mgr.originID,
		collection: collection,
		updatedAt:  time.Now().UTC(),
		attrs:      make(map[string]any),
		pending:    make(map[string]*Event),
	}
}

// objectFromDict rebuilds an object received from the wire.
func objectFromDict(mgr *Manager, d map[string]any) (*Object, error) {
	o := newObject(mgr, "")

	for k, v := range d {
		switch k {
		case "object_id":
			if s, ok := v.(string); ok {
				o.id = s
			}
		case "origin_id":
			if s, ok := v.(string); ok {
				o.originID = s
			}
		case "collection":
			if s, ok := v.(string); ok {
				o.collection = s
			}
		case "updated_at":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("exchange: bad updated_at %v", v)
			}
			ts, err := time.Parse(TimeLayout, s)
			if err != nil {
				return nil, fmt.Errorf("exchange: bad updated_at %q: %w", s, err)
			}
			o.updatedAt = ts
		default:
			o.attrs[k] = v
		}
	}

	return o, nil
}

// ID returns the object's unique id.
func (o *Object) ID() string { return o.id }

// Collection returns the collection name, possibly empty.
func (o *Object) Collection() string {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	return o.collection
}

// OriginID returns the id of the process that originated the object.
func (o *Object) OriginID() string { return o.originID }

// UpdatedAt returns the last modification time.
func (o *Object) UpdatedAt() time.Time {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	return o.updatedAt
}

// IsOriginator reports whether this process originated the object.
func (o *Object) IsOriginator() bool {
	return o.originID == o.mgr.originID
}

// Get returns an attribute value.
func (o *Object) Get(key string) (any, bool) {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	v, ok := o.attrs[key]
	return v, ok
}

// Set updates an attribute. Only the originator may introduce new
// keys; any process may change an existing one. On a published object
// the change is buffered as an event until the next Publish.
func (o *Object) Set(key string, value any) error {
	return o.SetAt(key, value, time.Time{})
}

// SetAt is Set with an explicit modification time, used when the
// change carries its own timestamp, like a device notification. The
// buffered event is still stamped with the current time.
func (o *Object) SetAt(key string, value any, ts time.Time) error {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	return o.setLocked(key, value, ts)
}

func (o *Object) setLocked(key string, value any, ts time.Time) error {
	if _, exists := o.attrs[key]; !exists && !o.IsOriginator() {
		return fmt.Errorf("%w: cannot add key %q to %s", ErrNotOriginator, key, o.id)
	}

	o.attrs[key] = value
	now := time.Now().UTC()
	if ts.IsZero() {
		o.updatedAt = now
	} else {
		o.updatedAt = ts
	}

	if o.published {
		o.pending[key] = &Event{
			Key:       key,
			Value:     value,
			Timestamp: now,
			ObjectID:  o.id,
			OriginID:  o.mgr.originID,
			Object:    o,
		}
	}
	return nil
}

// UpdateAttr stores an attribute without buffering a change event.
// Writers that just pushed the value to its source use this so the
// change does not echo back as an event.
func (o *Object) UpdateAttr(key string, value any) {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	o.updateLocked(key, value, time.Time{})
}

// updateLocked applies a change without generating an event. Used for
// state arriving from the wire.
func (o *Object) updateLocked(key string, value any, ts time.Time) {
	o.attrs[key] = value
	if ts.IsZero() {
		o.updatedAt = time.Now().UTC()
	} else {
		o.updatedAt = ts
	}
}

// Publish pushes the object to the exchange. For the originator this
// broadcasts the full object and registers it; for everyone it flushes
// buffered events.
func (o *Object) Publish() {
	o.mgr.publishObject(o)
}

// Delete withdraws the object from the exchange. Only the originator
// may delete.
func (o *Object) Delete() error {
	if !o.IsOriginator() {
		return ErrNotOriginator
	}
	o.mgr.deleteObject(o)
	return nil
}

// ToDict renders the object for the wire and for queries. Attributes
// shadow the metadata keys if they collide.
func (o *Object) ToDict() map[string]any {
	o.mgr.mu.Lock()
	defer o.mgr.mu.Unlock()
	return o.toDictLocked()
}

func (o *Object) toDictLocked() map[string]any {
	d := map[string]any{
		"object_id":  o.id,
		"origin_id":  o.originID,
		"collection": o.collection,
		"updated_at": o.updatedAt.UTC().Format(TimeLayout),
	}
	for k, v := range o.attrs {
		d[k] = v
	}
	return d
}

// Matches applies a query to the object.
func (o *Object) Matches(q Query) bool {
	return q.Matches(o.ToDict())
}

func (o *Object) String() string {
	if o.collection != "" {
		return fmt.Sprintf("Object:%s.%s", o.collection, o.id)
	}
	return "Object:" + o.id
}

func (o *Object) takePendingLocked() []*Event {
	if len(o.pending) == 0 {
		return nil
	}
	events := make([]*Event, 0, len(o.pending))
	for _, e := range o.pending {
		events = append(events, e)
	}
	o.pending = make(map[string]*Event)
	return events
}
