package automaton

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
)

// Rule ties triggers to actions: the first trigger matching an event
// fires every action.
type Rule struct {
	Name     string
	Triggers []Trigger
	Actions  []Action

	rt      *Runtime
	running []atomic.Bool
}

// setup initializes actions before triggers: an interval trigger with
// RunNow fires during its own setup and must land on initialized
// actions.
func (r *Rule) setup(rt *Runtime) error {
	r.rt = rt
	r.running = make([]atomic.Bool, len(r.Actions))

	for _, a := range r.Actions {
		if err := a.Init(rt); err != nil {
			return err
		}
	}
	for _, tr := range r.Triggers {
		if err := tr.Setup(rt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) teardown() {
	for _, tr := range r.Triggers {
		tr.Teardown()
	}
}

// handleEvent evaluates triggers in declaration order and fires the
// actions on the first hit. Each action runs on its own goroutine; an
// action still busy from an earlier firing is skipped.
func (r *Rule) handleEvent(e *exchange.Event) {
	if r.rt == nil {
		return
	}

	hit := false
	for _, tr := range r.Triggers {
		if r.evalTrigger(tr, e) {
			hit = true
			break
		}
	}
	if !hit {
		return
	}

	for i, a := range r.Actions {
		if !r.running[i].CompareAndSwap(false, true) {
			r.rt.log.Debug("action busy, skipping firing",
				zap.String("rule", r.Name), zap.Int("action", i))
			continue
		}
		go r.runAction(i, a, e)
	}
}

// evalTrigger shields the rule loop from a panicking condition.
func (r *Rule) evalTrigger(tr Trigger, e *exchange.Event) (hit bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.rt.log.Error("trigger panicked",
				zap.String("rule", r.Name), zap.Any("panic", rec))
			hit = false
		}
	}()
	return tr.Eval(e)
}

func (r *Rule) runAction(i int, a Action, e *exchange.Event) {
	defer r.running[i].Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			r.rt.log.Error("action panicked",
				zap.String("rule", r.Name), zap.Any("panic", rec))
		}
	}()

	a.Pre(e)
	a.Do(e)
	a.Post(e)
}
