package automaton

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/giapdangle/sapphire-tools/broker"
	"github.com/giapdangle/sapphire-tools/exchange"
)

// newExchange builds a manager without starting its transport: queued
// envelopes are held, queries and events work, and there is no catch-up
// window to wait out.
func newExchange(t *testing.T) *exchange.Manager {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)
	return exchange.NewManager(broker.NewMemory(log), disp, log)
}

func startRuntime(t *testing.T, mgr *exchange.Manager, rules ...*Rule) *Runtime {
	rt := New(Config{
		Name:         "t-" + t.Name(),
		Exchange:     mgr,
		Logger:       zaptest.NewLogger(t),
		Rules:        rules,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	// The control object appearing means setup finished.
	waitFor(t, 2*time.Second, func() bool {
		return len(mgr.Query(exchange.Query{Match: map[string]any{"name": rt.name}})) == 1
	})
	return rt
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func event(key string, value any) *exchange.Event {
	return &exchange.Event{Key: key, Value: value, Timestamp: time.Now().UTC()}
}

func TestRuntime_AttrTriggerFiresActions(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	rule := &Rule{
		Name:     "button-press",
		Triggers: []Trigger{NewAttrTrigger("button", "pressed", nil)},
		Actions: []Action{&FuncAction{Name: "count", Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	startRuntime(t, mgr, rule)

	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("button", "released"))
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("button", "pressed"))

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fires), "the released event must not fire")
}

func TestRuntime_FirstTriggerHitRunsActionsOnce(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	rule := &Rule{
		Name: "either",
		Triggers: []Trigger{
			NewAttrTrigger("k", nil, nil),
			NewAttrTrigger("k", "v", nil),
		},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	startRuntime(t, mgr, rule)

	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("k", "v"))

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fires))
}

func TestRuntime_BusyActionIsSkipped(t *testing.T) {
	mgr := newExchange(t)

	gate := make(chan struct{})
	var fires int32
	rule := &Rule{
		Name:     "slow",
		Triggers: []Trigger{NewAttrTrigger("go", nil, nil)},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
			<-gate
		}}},
	}
	startRuntime(t, mgr, rule)

	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("go", 1))
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })

	// Still running: this firing is skipped.
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("go", 2))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fires))

	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("go", 3))
		return atomic.LoadInt32(&fires) >= 2
	})
}

func TestRuntime_PauseAndResume(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	rule := &Rule{
		Name:     "gated",
		Triggers: []Trigger{NewAttrTrigger("k", nil, nil)},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	rt := startRuntime(t, mgr, rule)

	rt.Pause()
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("k", 1))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fires))

	rt.Resume()
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("k", 2))
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })
}

func TestRuntime_IntervalTriggerTicks(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	rule := &Rule{
		Name:     "tick",
		Triggers: []Trigger{&IntervalTrigger{Seconds: 1, RunNow: true}},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	startRuntime(t, mgr, rule)

	// RunNow fires during setup, then the scheduler takes over.
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&fires) >= 1 })
	waitFor(t, 4*time.Second, func() bool { return atomic.LoadInt32(&fires) >= 3 })
}

func TestRuntime_IntervalTriggerRunOnce(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	rule := &Rule{
		Name:     "once",
		Triggers: []Trigger{&IntervalTrigger{Seconds: 1, RunNow: true, RunOnce: true}},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	startRuntime(t, mgr, rule)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })
	time.Sleep(2200 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fires))
}

func TestRuntime_TargetActionHitsEveryMatch(t *testing.T) {
	mgr := newExchange(t)

	for _, id := range []string{"lamp-1", "lamp-2"} {
		o := mgr.NewObjectWithID(id, "lamps")
		require.NoError(t, o.Set("kind", "lamp"))
		require.NoError(t, o.Set("state", "off"))
		o.Publish()
	}

	var misses int32
	rule := &Rule{
		Name:     "motion-lights",
		Triggers: []Trigger{NewAttrTrigger("motion", "detected", nil)},
		Actions: []Action{
			&TargetAction{
				Name:   "lights-on",
				Target: exchange.Query{Match: map[string]any{"kind": "lamp"}},
				Func: func(_ *exchange.Event, obj *exchange.Object) {
					_ = obj.Set("state", "on")
					obj.Publish()
				},
			},
			&TargetAction{
				Name:   "no-such-target",
				Target: exchange.Query{Match: map[string]any{"kind": "heater"}},
				Func: func(*exchange.Event, *exchange.Object) {
					atomic.AddInt32(&misses, 1)
				},
			},
		},
	}
	startRuntime(t, mgr, rule)

	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("motion", "detected"))

	waitFor(t, 2*time.Second, func() bool {
		on := 0
		for _, o := range mgr.Query(exchange.Query{Match: map[string]any{"kind": "lamp"}}) {
			if v, _ := o.Get("state"); v == "on" {
				on++
			}
		}
		return on == 2
	})
	assert.EqualValues(t, 0, atomic.LoadInt32(&misses))
}

func TestRuntime_SourceQueryGatesEvents(t *testing.T) {
	mgr := newExchange(t)

	kitchen := mgr.NewObjectWithID("sensor-1", "sensors")
	require.NoError(t, kitchen.Set("room", "kitchen"))
	kitchen.Publish()

	var fires int32
	source := &exchange.Query{Match: map[string]any{"room": "kitchen"}}
	rule := &Rule{
		Name:     "kitchen-temp",
		Triggers: []Trigger{NewAttrTrigger("temp", nil, source)},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			atomic.AddInt32(&fires, 1)
		}}},
	}
	startRuntime(t, mgr, rule)

	// No object attached: gated out.
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("temp", 30))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fires))

	e := event("temp", 31)
	e.Object = kitchen
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, e)
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })
}

func TestRuntime_PanicsAreContained(t *testing.T) {
	mgr := newExchange(t)

	var fires int32
	angry := &Rule{
		Name:     "angry",
		Triggers: []Trigger{&FuncTrigger{Cond: func(*exchange.Event) bool { panic("trigger") }}},
		Actions:  []Action{&FuncAction{Func: func(*exchange.Event) {}}},
	}
	fragile := &Rule{
		Name:     "fragile",
		Triggers: []Trigger{NewAttrTrigger("k", nil, nil)},
		Actions: []Action{&FuncAction{Func: func(*exchange.Event) {
			if atomic.AddInt32(&fires, 1) == 1 {
				panic("action")
			}
		}}},
	}
	startRuntime(t, mgr, angry, fragile)

	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("k", 1))
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 1 })

	// The panicking firing released the busy flag, so the rule fires
	// again.
	mgr.Dispatcher().Send(exchange.SignalReceivedEvent, event("k", 2))
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fires) == 2 })
}

func TestRuntime_StopDeletesControlObject(t *testing.T) {
	mgr := newExchange(t)

	rt := New(Config{
		Name:         "short-lived",
		Exchange:     mgr,
		Logger:       zaptest.NewLogger(t),
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()

	q := exchange.Query{Match: map[string]any{"name": "short-lived"}}
	waitFor(t, 2*time.Second, func() bool { return len(mgr.Query(q)) == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.Empty(t, mgr.Query(q))
}
