package prefetch

import (
	"context"
	"sync/atomic"
)

// State of a preload record.
type State int32

const (
	StateInFlight State = iota
	StateDone
)

func (s State) String() string {
	if s == StateDone {
		return "done"
	}
	return "in_flight"
}

// Preload tracks one PreloadImports call.
type Preload struct {
	path   string
	state  atomic.Int32
	opened atomic.Int64
	done   chan struct{}
}

func newPreload(path string) *Preload {
	return &Preload{path: path, done: make(chan struct{})}
}

func (p *Preload) finish() {
	if p.state.CompareAndSwap(int32(StateInFlight), int32(StateDone)) {
		close(p.done)
	}
}

// Path is the file whose imports are preloaded.
func (p *Preload) Path() string { return p.path }

// State returns the current state.
func (p *Preload) State() State { return State(p.state.Load()) }

// Done is closed once the preload and the nested preloads it started finish.
func (p *Preload) Done() <-chan struct{} { return p.done }

// Opened is the number of files this record opened, excluding nested records.
func (p *Preload) Opened() int { return int(p.opened.Load()) }

// Wait blocks until the preload finishes or ctx is done.
func (p *Preload) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
