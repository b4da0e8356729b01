// Package automaton runs rules against the exchange's event stream.
// A rule ties triggers to actions: the first trigger matching an event
// fires every action, each on its own goroutine. Interval triggers turn
// a scheduler into synthetic events so timed rules ride the same path
// as attribute changes.
package automaton

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giapdangle/sapphire-tools/exchange"
)

// intervalKey marks synthetic scheduler events. The leading underscore
// keeps them private, so long-poll consumers never see them.
const intervalKey = "__interval_trigger"

// Trigger decides whether an event fires a rule.
type Trigger interface {
	// Setup prepares the trigger. Interval triggers register with the
	// runtime's scheduler here.
	Setup(rt *Runtime) error
	// Eval reports whether the event fires the trigger.
	Eval(e *exchange.Event) bool
	// Teardown releases anything Setup acquired.
	Teardown()
}

// Condition is a predicate over events.
type Condition func(*exchange.Event) bool

// FuncTrigger fires when its condition holds, optionally gated by a
// source query over the event's object.
type FuncTrigger struct {
	Cond   Condition
	Source *exchange.Query
}

func (t *FuncTrigger) Setup(*Runtime) error { return nil }
func (t *FuncTrigger) Teardown()            {}

func (t *FuncTrigger) Eval(e *exchange.Event) bool {
	if t.Source != nil {
		if e.Object == nil || !t.Source.Matches(e.Object.ToDict()) {
			return false
		}
	}
	return t.Cond != nil && t.Cond(e)
}

// NewAttrTrigger fires when key changes to value. A nil value matches
// any change of the key.
func NewAttrTrigger(key string, value any, source *exchange.Query) *FuncTrigger {
	return &FuncTrigger{
		Source: source,
		Cond: func(e *exchange.Event) bool {
			if e.Key != key {
				return false
			}
			return value == nil || fmt.Sprint(e.Value) == fmt.Sprint(value)
		},
	}
}

// IntervalTrigger fires on a fixed period through the runtime's
// scheduler. Every firing sends a synthetic event carrying the
// trigger's id, so evaluation happens on the normal event path.
type IntervalTrigger struct {
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds int

	// RunNow fires once during setup, before the first period elapses.
	RunNow bool
	// RunOnce disarms the trigger after its first firing.
	RunOnce bool

	mu    sync.Mutex
	fired bool

	id    string
	rt    *Runtime
	entry scheduleEntry
}

func (t *IntervalTrigger) period() time.Duration {
	return time.Duration(t.Weeks)*7*24*time.Hour +
		time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

func (t *IntervalTrigger) Setup(rt *Runtime) error {
	d := t.period()
	if d <= 0 {
		return fmt.Errorf("automaton: interval trigger needs a period")
	}

	t.rt = rt
	t.id = "interval:" + uuid.NewString()

	entry, err := rt.schedule("@every "+d.String(), t.fire)
	if err != nil {
		return err
	}
	t.entry = entry

	if t.RunNow {
		t.fire()
	}
	return nil
}

func (t *IntervalTrigger) Teardown() {
	if t.rt != nil {
		t.rt.unschedule(t.entry)
	}
}

func (t *IntervalTrigger) Eval(e *exchange.Event) bool {
	return e.Key == intervalKey && e.Value == any(t.id)
}

func (t *IntervalTrigger) fire() {
	t.mu.Lock()
	if t.RunOnce && t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()

	t.rt.disp.Send(exchange.SignalReceivedEvent, &exchange.Event{
		Key:       intervalKey,
		Value:     t.id,
		Timestamp: time.Now().UTC(),
	})
}
