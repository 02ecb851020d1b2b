package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("lsppool/internal/pool")

// Pool owns analysis-server processes and hands out leases on them.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	log    zerolog.Logger
	keys   map[Key]*keyState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks watchers, restart timers, background spawns and terminations.
	wg sync.WaitGroup

	startTime time.Time
}

// keyState holds everything the pool tracks for one key. Guarded by Pool.mu.
type keyState struct {
	key       Key
	instances []*instance
	waiters   waitQueue
	// spawning counts starts issued on behalf of queued waiters.
	spawning     int
	crashes      int
	circuitUntil time.Time
	// changed is closed and replaced on every instance state change.
	changed chan struct{}
}

func (ks *keyState) circuitOpen(now time.Time) bool {
	return !ks.circuitUntil.IsZero() && now.Before(ks.circuitUntil)
}

// demand is the number of queued waiters not yet covered by a pending start.
func (ks *keyState) demand() int {
	d := ks.waiters.Len() - ks.spawning
	for _, in := range ks.instances {
		if in.state == StateRestarting && in.primaryRefs == 0 {
			d--
		}
	}
	return d
}

// pending reports whether an instance of the key is on its way to ready.
func (ks *keyState) pending() bool {
	for _, in := range ks.instances {
		if in.state == StateStarting || in.state == StateRestarting {
			return true
		}
	}
	return false
}

// stopReq is a detached process awaiting termination.
type stopReq struct {
	h   Handle
	key Key
	id  string
}

// batch collects side effects produced under Pool.mu that run after it is released.
type batch struct {
	events []Event
	stop   []stopReq
}

func (b *batch) emit(name string, key Key, id string, fields map[string]any) {
	b.events = append(b.events, Event{Name: name, Key: key, InstanceID: id, Fields: fields})
}

// New constructs a Pool from Config and starts its idle sweep loop.
func New(cfg Config) (*Pool, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("pool: launcher is required")
	}
	cfg = cfg.withDefaults()
	if cfg.Opener == nil {
		if o, ok := cfg.Launcher.(FileOpener); ok {
			cfg.Opener = o
		}
	}
	p := &Pool{
		cfg:       cfg,
		log:       zerolog.Nop(),
		keys:      make(map[Key]*keyState),
		startTime: cfg.Now(),
	}
	if cfg.Logger != nil {
		p.log = cfg.Logger.With().Str("component", "pool").Logger()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p, nil
}

// Ready reports whether the pool accepts leases.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Close stops the sweep loop and restart timers, fails queued waiters with
// ErrPoolClosed, terminates every process and waits for watchers to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var stops []stopReq
	for _, ks := range p.keys {
		for _, w := range ks.waiters.drain() {
			waitersGauge.WithLabelValues(ks.key.Language).Dec()
			w.deliver(waitResult{err: ErrPoolClosed})
		}
		for _, in := range ks.instances {
			in.detached = true
			p.stopTimerLocked(in)
			if in.handle != nil {
				stops = append(stops, stopReq{h: in.handle, key: in.key, id: in.id})
			}
			instancesGauge.WithLabelValues(ks.key.Language).Dec()
		}
		ks.instances = nil
		p.signalLocked(ks)
	}
	p.mu.Unlock()

	p.cancel()
	var g errgroup.Group
	for _, s := range stops {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, p.cfg.TerminateTimeout)
			defer cancel()
			return p.cfg.Launcher.Terminate(tctx, s.h)
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info().Int("terminated", len(stops)).Msg("pool closed")
	return err
}

// finish publishes collected events and terminates detached processes.
func (p *Pool) finish(b *batch) {
	for _, e := range b.events {
		if e.Name != EventLease && e.Name != EventRelease {
			p.log.Debug().Str("event", e.Name).Str("key", e.Key.String()).Str("instance", e.InstanceID).Fields(e.Fields).Msg("pool event")
		}
		p.cfg.Publisher.Publish(e)
	}
	for _, s := range b.stop {
		go p.terminate(s)
	}
}

func (p *Pool) keyStateLocked(key Key) *keyState {
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{key: key, changed: make(chan struct{})}
		p.keys[key] = ks
	}
	return ks
}

// signalLocked wakes everyone waiting for a state change of ks.
func (p *Pool) signalLocked(ks *keyState) {
	close(ks.changed)
	ks.changed = make(chan struct{})
}

// liveCountLocked counts records of a language that hold capacity.
func (p *Pool) liveCountLocked(language string) int {
	n := 0
	for key, ks := range p.keys {
		if key.Language != language {
			continue
		}
		for _, in := range ks.instances {
			if in.live() {
				n++
			}
		}
	}
	return n
}

// newRecordLocked reserves a Starting record for ks.
func (p *Pool) newRecordLocked(ks *keyState) *instance {
	now := p.cfg.Now()
	in := &instance{
		id:        uuid.NewString(),
		key:       ks.key,
		state:     StateStarting,
		createdAt: now,
		lastUsed:  now,
	}
	ks.instances = append(ks.instances, in)
	instancesGauge.WithLabelValues(ks.key.Language).Inc()
	return in
}

// detachLocked removes in from ks. A running process is queued on b for termination.
func (p *Pool) detachLocked(b *batch, ks *keyState, in *instance, reason string) {
	if in.detached {
		return
	}
	in.detached = true
	for i, x := range ks.instances {
		if x == in {
			ks.instances = append(ks.instances[:i], ks.instances[i+1:]...)
			break
		}
	}
	p.stopTimerLocked(in)
	if in.handle != nil {
		p.wg.Add(1)
		b.stop = append(b.stop, stopReq{h: in.handle, key: in.key, id: in.id})
	}
	in.state = StateDead
	instancesGauge.WithLabelValues(ks.key.Language).Dec()
	evictionsTotal.WithLabelValues(ks.key.Language, reason).Inc()
	b.emit(EventInstanceRemoved, in.key, in.id, map[string]any{"reason": reason})
	p.signalLocked(ks)
}

// stopTimerLocked cancels a scheduled restart. A timer stopped before firing
// never runs its callback, so its WaitGroup slot is released here.
func (p *Pool) stopTimerLocked(in *instance) {
	if in.restartTimer != nil && in.restartTimer.Stop() {
		p.wg.Done()
	}
	in.restartTimer = nil
}
