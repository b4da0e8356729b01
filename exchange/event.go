package exchange

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire format for timestamps: ISO 8601 with
// microseconds and no zone, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Event is one attribute change on a published object.
type Event struct {
	Key       string
	Value     any
	Timestamp time.Time
	ObjectID  string
	OriginID  string

	// Object is attached on delivery when a local object matched the
	// event. It stays nil for events about objects this process does
	// not hold.
	Object *Object
}

// Private reports whether the key is internal bookkeeping that should
// not leave the process through event feeds.
func (e *Event) Private() bool {
	return strings.HasPrefix(e.Key, "_")
}

// ToDict renders the event for the wire.
func (e *Event) ToDict() map[string]any {
	return map[string]any{
		"object_id": e.ObjectID,
		"origin_id": e.OriginID,
		"key":       e.Key,
		"value":     e.Value,
		"timestamp": e.Timestamp.UTC().Format(TimeLayout),
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("Event:%s key=%s value=%v", e.ObjectID, e.Key, e.Value)
}

// eventFromDict rebuilds an event received from the wire.
func eventFromDict(d map[string]any) (*Event, error) {
	e := &Event{}

	var ok bool
	if e.ObjectID, ok = d["object_id"].(string); !ok {
		return nil, fmt.Errorf("exchange: event missing object_id")
	}
	if e.OriginID, ok = d["origin_id"].(string); !ok {
		return nil, fmt.Errorf("exchange: event missing origin_id")
	}
	if e.Key, ok = d["key"].(string); !ok {
		return nil, fmt.Errorf("exchange: event missing key")
	}
	e.Value = d["value"]

	raw, ok := d["timestamp"].(string)
	if !ok {
		return nil, fmt.Errorf("exchange: event missing timestamp")
	}
	ts, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("exchange: bad event timestamp %q: %w", raw, err)
	}
	e.Timestamp = ts

	return e, nil
}
