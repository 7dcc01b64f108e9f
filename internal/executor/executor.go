// Package executor is the composition root of the orchestration core.
//
// It wires the store, provider registry, code rendezvous, queue
// scheduler and account runner into one explicitly constructed object
// whose lifetime is owned by the process bootstrap. Init carries the
// lazy-init-once contract: the first caller runs startup recovery,
// concurrent callers await it, and a failed attempt lets the next
// caller retry.
package executor

import (
	"context"
	"sync/atomic"

	"checkd/internal/engine"
	"checkd/internal/queue"
	"checkd/internal/registry"
	"checkd/internal/rendezvous"
	"checkd/internal/runner"
	"checkd/internal/store"
	"checkd/pkg/logx"
	"checkd/pkg/syncx"
)

type Executor struct {
	st  *store.Store
	reg *registry.Registry
	rdv *rendezvous.Rendezvous
	sch *queue.Scheduler
	run *runner.Runner
	log logx.Logger

	ready      atomic.Bool
	initFlight syncx.Flight[struct{}]
}

func New(st *store.Store, eng engine.Engine, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{st: st, log: log}
	e.reg = registry.New(st, eng, log)
	e.rdv = rendezvous.New(st, log)
	e.sch = queue.New(st, log)
	e.run = runner.New(st, e.reg, e.rdv, log)
	return e
}

// Init performs startup recovery exactly once per successful call
// sequence. Safe to call from every entry point.
func (e *Executor) Init(ctx context.Context) error {
	if e.ready.Load() {
		return nil
	}
	_, err := e.initFlight.Do(ctx, func(ctx context.Context) (struct{}, error) {
		if e.ready.Load() {
			return struct{}{}, nil
		}
		if err := e.recover(ctx); err != nil {
			return struct{}{}, err
		}
		e.ready.Store(true)
		return struct{}{}, nil
	})
	return err
}

func (e *Executor) Store() *store.Store                { return e.st }
func (e *Executor) Registry() *registry.Registry       { return e.reg }
func (e *Executor) Rendezvous() *rendezvous.Rendezvous { return e.rdv }
func (e *Executor) Queue() *queue.Scheduler            { return e.sch }
func (e *Executor) Runner() *runner.Runner             { return e.run }
