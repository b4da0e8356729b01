package automaton

import (
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/exchange"
)

// Action is a rule's unit of work. Pre and Post bracket Do on every
// firing; all three run on the action's goroutine.
type Action interface {
	Init(rt *Runtime) error
	Pre(e *exchange.Event)
	Do(e *exchange.Event)
	Post(e *exchange.Event)
}

// FuncAction adapts a function into an Action.
type FuncAction struct {
	Name string
	Func func(e *exchange.Event)
}

func (a *FuncAction) Init(*Runtime) error  { return nil }
func (a *FuncAction) Pre(*exchange.Event)  {}
func (a *FuncAction) Post(*exchange.Event) {}

func (a *FuncAction) Do(e *exchange.Event) {
	if a.Func != nil {
		a.Func(e)
	}
}

// TargetAction resolves its query on every firing and invokes Func once
// per matched object. An empty result set skips the firing.
type TargetAction struct {
	Name   string
	Target exchange.Query
	Func   func(e *exchange.Event, target *exchange.Object)

	rt *Runtime
}

func (a *TargetAction) Init(rt *Runtime) error { a.rt = rt; return nil }
func (a *TargetAction) Pre(*exchange.Event)    {}
func (a *TargetAction) Post(*exchange.Event)   {}

func (a *TargetAction) Do(e *exchange.Event) {
	targets := a.rt.objects.Query(a.Target)
	if len(targets) == 0 {
		a.rt.log.Debug("action has no targets", zap.String("action", a.Name))
		return
	}
	for _, obj := range targets {
		a.Func(e, obj)
	}
}
