package pool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lease grants temporary use of a pooled instance. Release it exactly once;
// further Release calls are no-ops.
type Lease struct {
	id         string
	pool       *Pool
	inst       *instance
	key        Key
	instanceID string
	pid        int
	predictive bool
	// released is guarded by pool.mu.
	released bool
}

func (l *Lease) ID() string         { return l.id }
func (l *Lease) Key() Key           { return l.key }
func (l *Lease) InstanceID() string { return l.instanceID }
func (l *Lease) PID() int           { return l.pid }
func (l *Lease) Predictive() bool   { return l.predictive }

// Lease acquires a primary lease for key. It returns an idle instance when one
// exists, starts a new one while the language is under its cap, and otherwise
// queues the caller FIFO until an instance frees up or timeout expires.
// timeout <= 0 uses Config.LeaseWaitTimeout.
func (p *Pool) Lease(ctx context.Context, key Key, timeout time.Duration) (*Lease, error) {
	key = key.Normalize()
	ctx, span := tracer.Start(ctx, "pool.Lease", trace.WithAttributes(
		attribute.String("lsppool.project", key.Project),
		attribute.String("lsppool.language", key.Language),
	))
	defer span.End()
	start := time.Now()
	l, err := p.lease(ctx, key, timeout)
	if err != nil {
		leaseFailuresTotal.WithLabelValues(key.Language, failureReason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	leaseWaitSeconds.WithLabelValues(key.Language, "primary").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("lsppool.instance_id", l.instanceID), attribute.Int("lsppool.pid", l.pid))
	return l, nil
}

func (p *Pool) lease(ctx context.Context, key Key, timeout time.Duration) (*Lease, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	if timeout <= 0 {
		timeout = p.cfg.LeaseWaitTimeout
	}
	var b batch
	now := p.cfg.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	ks := p.keyStateLocked(key)
	if ks.circuitOpen(now) {
		p.mu.Unlock()
		return nil, ErrServerUnavailable
	}
	if ks.waiters.Len() == 0 {
		if in := ks.primaryCandidate(); in != nil {
			l := p.grantLocked(&b, in, false)
			p.mu.Unlock()
			p.finish(&b)
			return l, nil
		}
		if in := p.reserveLocked(&b, ks); in != nil {
			w := newWaiter(key, now, 0)
			p.wg.Add(1)
			go p.startReserved(in, w)
			p.mu.Unlock()
			p.finish(&b)
			return p.awaitStart(ctx, w)
		}
	}
	w := newWaiter(key, now, timeout)
	ks.waiters.push(w)
	waitersGauge.WithLabelValues(key.Language).Inc()
	b.emit(EventWaiterEnqueued, key, "", map[string]any{"queue_len": ks.waiters.Len()})
	p.rebalanceLocked(&b, key.Language)
	p.mu.Unlock()
	p.finish(&b)
	return p.await(ctx, w)
}

// await blocks until w is served, expires or ctx is done.
func (p *Pool) await(ctx context.Context, w *waiter) (*Lease, error) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	var err error
	select {
	case r := <-w.ch:
		return r.lease, r.err
	case <-timer.C:
		err = ErrLeaseTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	var b batch
	p.mu.Lock()
	removed := false
	if ks := p.keys[w.key]; ks != nil {
		removed = ks.waiters.remove(w)
	}
	if removed {
		waitersGauge.WithLabelValues(w.key.Language).Dec()
		b.emit(EventWaiterTimeout, w.key, "", map[string]any{"waited": p.cfg.Now().Sub(w.enqueuedAt).String()})
	}
	p.mu.Unlock()
	p.finish(&b)
	if !removed {
		// Served concurrently with expiry; the result is already buffered.
		r := <-w.ch
		return r.lease, r.err
	}
	return nil, err
}

// awaitStart waits for a start the caller reserved. A caller that gives up
// leaves the start running under the pool; the new instance then serves the
// queue or goes idle.
func (p *Pool) awaitStart(ctx context.Context, w *waiter) (*Lease, error) {
	select {
	case r := <-w.ch:
		return r.lease, r.err
	case <-ctx.Done():
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case r := <-w.ch:
		return r.lease, r.err
	default:
		w.abandoned = true
		return nil, ctx.Err()
	}
}

// LeasePredictive acquires a low-priority lease used for warming. It shares
// the ready instance of key with the fewest holders and never starts an
// instance or queues behind primary callers. While the key's only instances
// are starting it waits up to timeout for one to become ready; otherwise it
// fails with ErrNoInstance. timeout <= 0 uses Config.PredictiveWaitTimeout.
func (p *Pool) LeasePredictive(ctx context.Context, key Key, timeout time.Duration) (*Lease, error) {
	key = key.Normalize()
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	if timeout <= 0 {
		timeout = p.cfg.PredictiveWaitTimeout
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		var b batch
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		ks := p.keys[key]
		if ks == nil {
			p.mu.Unlock()
			leaseFailuresTotal.WithLabelValues(key.Language, "no_instance").Inc()
			return nil, ErrNoInstance
		}
		if ks.circuitOpen(p.cfg.Now()) {
			p.mu.Unlock()
			return nil, ErrServerUnavailable
		}
		if in := ks.sharedCandidate(); in != nil {
			l := p.grantLocked(&b, in, true)
			p.mu.Unlock()
			p.finish(&b)
			leaseWaitSeconds.WithLabelValues(key.Language, "predictive").Observe(time.Since(start).Seconds())
			return l, nil
		}
		if !ks.pending() {
			p.mu.Unlock()
			leaseFailuresTotal.WithLabelValues(key.Language, "no_instance").Inc()
			return nil, ErrNoInstance
		}
		changed := ks.changed
		p.mu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			leaseFailuresTotal.WithLabelValues(key.Language, "no_instance").Inc()
			return nil, ErrNoInstance
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a lease to the pool. When the last primary holder leaves,
// the instance goes to the oldest queued waiter; when no holder remains it
// becomes idle, or is terminated when DisposeOnRelease is set or a restart
// retired it.
func (p *Pool) Release(l *Lease) {
	if l == nil || l.pool != p {
		return
	}
	var b batch
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return
	}
	l.released = true
	in := l.inst
	if l.predictive {
		in.predictiveRefs--
	} else {
		in.primaryRefs--
	}
	b.emit(EventRelease, in.key, in.id, map[string]any{"lease_id": l.id, "predictive": l.predictive})
	if !p.closed && in.ready() {
		ks := p.keys[in.key]
		if !l.predictive && in.primaryRefs == 0 {
			p.serveWaiterLocked(&b, ks, in)
		}
		if in.refs() == 0 {
			in.state = StateIdle
			in.lastUsed = p.cfg.Now()
			switch {
			case in.retire != "":
				p.detachLocked(&b, ks, in, in.retire)
			case p.cfg.DisposeOnRelease:
				p.detachLocked(&b, ks, in, "dispose")
			}
			p.rebalanceLocked(&b, in.key.Language)
			p.signalLocked(ks)
		}
	}
	p.mu.Unlock()
	p.finish(&b)
}

// OpenFile makes the leased instance's server aware of path.
func (p *Pool) OpenFile(ctx context.Context, l *Lease, path string) error {
	if l == nil {
		return ErrLeaseReleased
	}
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return ErrLeaseReleased
	}
	in := l.inst
	if !in.ready() || in.handle == nil {
		p.mu.Unlock()
		return ErrInstanceDead
	}
	h := in.handle
	p.mu.Unlock()
	if p.cfg.Opener == nil {
		return errors.New("pool: no file opener configured")
	}
	return p.cfg.Opener.OpenFile(ctx, h, path)
}

// primaryCandidate returns a ready instance without a primary holder,
// preferring idle ones.
func (ks *keyState) primaryCandidate() *instance {
	var shared *instance
	for _, in := range ks.instances {
		if !in.available() || in.primaryRefs > 0 {
			continue
		}
		if in.refs() == 0 {
			return in
		}
		if shared == nil {
			shared = in
		}
	}
	return shared
}

// sharedCandidate returns the ready instance with the fewest holders.
func (ks *keyState) sharedCandidate() *instance {
	var best *instance
	for _, in := range ks.instances {
		if !in.available() {
			continue
		}
		if best == nil || in.refs() < best.refs() {
			best = in
		}
	}
	return best
}

func (p *Pool) grantLocked(b *batch, in *instance, predictive bool) *Lease {
	if predictive {
		in.predictiveRefs++
	} else {
		in.primaryRefs++
	}
	in.state = StateLeased
	l := &Lease{
		id:         uuid.NewString(),
		pool:       p,
		inst:       in,
		key:        in.key,
		instanceID: in.id,
		pid:        in.pid(),
		predictive: predictive,
	}
	b.emit(EventLease, in.key, in.id, map[string]any{"lease_id": l.id, "predictive": predictive})
	return l
}

// serveWaiterLocked hands in to the oldest waiter of ks if in has no primary holder.
func (p *Pool) serveWaiterLocked(b *batch, ks *keyState, in *instance) bool {
	if ks == nil || !in.available() || in.primaryRefs > 0 {
		return false
	}
	w := ks.waiters.pop()
	if w == nil {
		return false
	}
	waitersGauge.WithLabelValues(ks.key.Language).Dec()
	w.deliver(waitResult{lease: p.grantLocked(b, in, false)})
	return true
}
