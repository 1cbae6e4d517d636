// Package task runs groups of related goroutines which are cancelled and
// awaited together.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which execute concurrently, and which are
// collectively awaited. The first task to return a non-nil error cancels
// the Group Context. Tasks may be queued before the Group is started, or
// spawned directly while it runs.
type Group struct {
	// Context of the Group, which is cancelled by:
	//  * Any task of the Group returning a non-nil error, or
	//  * An explicit call to Cancel, or
	//  * A cancellation of the parent Context of the Group.
	//
	// Tasks should monitor Context and return upon its cancellation.
	ctx      context.Context
	cancelFn context.CancelFunc
	eg       *errgroup.Group

	mu      sync.Mutex
	queued  []task
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group with the given parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a task for execution when the Group is started by GoRun.
// Queue panics if the Group was already started.
func (g *Group) Queue(desc string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("Queue called after GoRun")
	}
	g.queued = append(g.queued, task{desc: desc, fn: fn})
}

// GoRun starts all queued tasks. GoRun may be called only once.
func (g *Group) GoRun() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for _, t := range g.queued {
		g.spawn(t)
	}
	g.queued = nil
}

// Go starts a task of a running Group. It returns false, and doesn't start
// the task, if the Group's Context is already cancelled.
func (g *Group) Go(desc string, fn func() error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		panic("Go called before GoRun")
	} else if g.ctx.Err() != nil {
		return false
	}
	g.spawn(task{desc: desc, fn: fn})
	return true
}

func (g *Group) spawn(t task) {
	g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.desc) })
}

// Wait for started tasks, returning only after all complete. The first
// encountered non-nil error is returned. Wait panics if GoRun wasn't called.
func (g *Group) Wait() error {
	g.mu.Lock()
	var started = g.started
	g.mu.Unlock()

	if !started {
		panic("Wait called before GoRun")
	}

	var err = g.eg.Wait()
	g.cancelFn()
	return err
}
