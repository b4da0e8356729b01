package automaton

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
)

type scheduleEntry = cron.EntryID

// Config carries a runtime's collaborators.
type Config struct {
	// Name labels the control object on the exchange.
	Name     string
	Exchange *exchange.Manager
	Logger   *zap.Logger
	Rules    []*Rule

	// PollInterval is how often the control object's running attribute
	// is checked. Zero means one second.
	PollInterval time.Duration
}

// Runtime evaluates rules against the exchange's event stream. It
// publishes a control object whose running attribute pauses and resumes
// evaluation, so any peer on the exchange can flip it.
type Runtime struct {
	name    string
	log     *zap.Logger
	objects *exchange.Manager
	disp    *exchange.Dispatcher
	sched   *cron.Cron
	rules   []*Rule
	poll    time.Duration

	mu     sync.Mutex
	paused bool

	control *exchange.Object
	detach  func()
}

// New builds a runtime over the exchange.
func New(cfg Config) *Runtime {
	rt := &Runtime{
		name:    cfg.Name,
		log:     cfg.Logger,
		objects: cfg.Exchange,
		disp:    cfg.Exchange.Dispatcher(),
		sched:   cron.New(cron.WithSeconds()),
		rules:   cfg.Rules,
		poll:    cfg.PollInterval,
	}
	if rt.name == "" {
		rt.name = "automaton"
	}
	if rt.poll <= 0 {
		rt.poll = time.Second
	}
	return rt
}

// Run publishes the control object, sets up every rule and evaluates
// events until the context is canceled. It blocks for the duration.
func (rt *Runtime) Run(ctx context.Context) error {
	// Wait out the bootstrap flood so source queries see the cluster's
	// current state.
	for rt.objects.CatchingUp() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Connect before rule setup: a RunNow interval trigger fires inside
	// Setup and its synthetic event must be seen.
	rt.detach = rt.disp.Connect(exchange.SignalReceivedEvent, rt.onEvent)

	for _, r := range rt.rules {
		if err := r.setup(rt); err != nil {
			rt.teardown()
			return fmt.Errorf("automaton: rule %q: %w", r.Name, err)
		}
	}

	// The control object goes up once the rules are ready, so a peer
	// flipping running acts on a live runtime.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	rt.control = rt.objects.NewObject("automaton")
	_ = rt.control.Set("name", rt.name)
	_ = rt.control.Set("hostname", hostname)
	_ = rt.control.Set("running", true)
	rt.control.Publish()

	rt.sched.Start()
	rt.log.Info("automaton running",
		zap.String("name", rt.name), zap.Int("rules", len(rt.rules)))

	tick := time.NewTicker(rt.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.teardown()
			return ctx.Err()
		case <-tick.C:
			rt.syncRunning()
		}
	}
}

// Pause suspends evaluation through the control object.
func (rt *Runtime) Pause() { rt.setRunning(false) }

// Resume re-enables evaluation.
func (rt *Runtime) Resume() { rt.setRunning(true) }

func (rt *Runtime) setRunning(v bool) {
	if rt.control == nil {
		return
	}
	_ = rt.control.Set("running", v)
	rt.control.Publish()
	rt.syncRunning()
}

func (rt *Runtime) schedule(spec string, fn func()) (scheduleEntry, error) {
	return rt.sched.AddFunc(spec, fn)
}

func (rt *Runtime) unschedule(entry scheduleEntry) {
	rt.sched.Remove(entry)
}

func (rt *Runtime) onEvent(payload any) {
	e, ok := payload.(*exchange.Event)
	if !ok {
		return
	}

	rt.mu.Lock()
	paused := rt.paused
	rt.mu.Unlock()
	if paused {
		return
	}

	for _, r := range rt.rules {
		r.handleEvent(e)
	}
}

// syncRunning mirrors the control object's running attribute into the
// evaluation gate. The attribute may have been flipped by a peer.
func (rt *Runtime) syncRunning() {
	v, ok := rt.control.Get("running")
	if !ok {
		return
	}
	want := fmt.Sprint(v) == "true"

	rt.mu.Lock()
	was := !rt.paused
	rt.paused = !want
	rt.mu.Unlock()

	if was == want {
		return
	}
	if want {
		rt.log.Info("automaton resumed", zap.String("name", rt.name))
	} else {
		rt.log.Info("automaton paused", zap.String("name", rt.name))
	}
}

func (rt *Runtime) teardown() {
	<-rt.sched.Stop().Done()
	if rt.detach != nil {
		rt.detach()
	}
	for _, r := range rt.rules {
		r.teardown()
	}
	if rt.control != nil {
		_ = rt.control.Delete()
	}
	rt.log.Info("automaton stopped", zap.String("name", rt.name))
}
