package pool

import (
	"context"
	"time"
)

// launch starts a process for in outside the pool lock.
func (p *Pool) launch(ctx context.Context, in *instance) (Handle, <-chan error, error) {
	p.cfg.Publisher.Publish(Event{Name: EventSpawnStart, Key: in.key, InstanceID: in.id})
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()
	start := time.Now()
	h, exit, err := p.cfg.Launcher.Spawn(ctx, in.key.Language, in.key.Workspace)
	if err != nil {
		spawnsTotal.WithLabelValues(in.key.Language, "error").Inc()
		p.log.Warn().Err(err).Str("key", in.key.String()).Msg("server start failed")
		p.cfg.Publisher.Publish(Event{Name: EventSpawnError, Key: in.key, InstanceID: in.id, Fields: map[string]any{"error": err.Error()}})
		return nil, nil, err
	}
	spawnsTotal.WithLabelValues(in.key.Language, "ok").Inc()
	p.log.Info().Str("key", in.key.String()).Int("pid", h.PID()).Dur("startup", time.Since(start)).Msg("server started")
	return h, exit, nil
}

// installLocked attaches a freshly started process to in and starts its watcher.
func (p *Pool) installLocked(b *batch, ks *keyState, in *instance, h Handle, exit <-chan error) {
	in.handle = h
	in.gen++
	if in.refs() > 0 {
		in.state = StateLeased
	} else {
		in.state = StateIdle
	}
	in.lastUsed = p.cfg.Now()
	in.startedAt = in.lastUsed
	p.wg.Add(1)
	go p.watch(in, in.gen, exit)
	b.emit(EventSpawnReady, in.key, in.id, map[string]any{"pid": h.PID(), "crash_count": in.crashCount})
	p.signalLocked(ks)
}

// reserveLocked makes room for a new instance of ks, evicting the least
// recently used idle instance of another key in the same language when the
// language is at its cap. It returns nil when no room can be made.
func (p *Pool) reserveLocked(b *batch, ks *keyState) *instance {
	lang := ks.key.Language
	if p.liveCountLocked(lang) >= p.cfg.MaxInstancesPerLanguage {
		victim, vks := p.lruIdleLocked(lang, ks.key)
		if victim == nil {
			return nil
		}
		b.emit(EventEvictLRU, victim.key, victim.id, map[string]any{"for": ks.key.String()})
		p.detachLocked(b, vks, victim, "lru")
	}
	return p.newRecordLocked(ks)
}

// startReserved starts a record reserved by a caller blocked in awaitStart.
// The start runs under the pool context so a caller that gives up does not
// waste it.
func (p *Pool) startReserved(in *instance, w *waiter) {
	defer p.wg.Done()
	h, exit, err := p.launch(p.ctx, in)
	var b batch
	p.mu.Lock()
	if p.closed || in.detached {
		w.deliver(waitResult{err: ErrPoolClosed})
		p.mu.Unlock()
		if err == nil {
			p.terminateNow(h)
		}
		return
	}
	ks := p.keys[in.key]
	if err != nil {
		w.deliver(waitResult{err: &ProcessError{Key: in.key, Err: err}})
		p.detachLocked(&b, ks, in, "spawn_error")
		p.rebalanceLocked(&b, in.key.Language)
		p.mu.Unlock()
		p.finish(&b)
		return
	}
	p.installLocked(&b, ks, in, h, exit)
	switch {
	case !w.abandoned:
		w.deliver(waitResult{lease: p.grantLocked(&b, in, false)})
	case p.serveWaiterLocked(&b, ks, in):
	case p.cfg.DisposeOnRelease:
		p.detachLocked(&b, ks, in, "dispose")
		p.rebalanceLocked(&b, in.key.Language)
	default:
		p.rebalanceLocked(&b, in.key.Language)
	}
	p.mu.Unlock()
	p.finish(&b)
}

// spawnForWaiters starts a record reserved on behalf of queued waiters and
// hands it to the oldest one. A failed start fails the oldest waiter.
func (p *Pool) spawnForWaiters(ks *keyState, in *instance) {
	defer p.wg.Done()
	h, exit, err := p.launch(p.ctx, in)
	var b batch
	p.mu.Lock()
	ks.spawning--
	if p.closed || in.detached {
		p.mu.Unlock()
		if err == nil {
			p.terminateNow(h)
		}
		return
	}
	if err != nil {
		if w := ks.waiters.pop(); w != nil {
			waitersGauge.WithLabelValues(ks.key.Language).Dec()
			w.deliver(waitResult{err: &ProcessError{Key: in.key, Err: err}})
		}
		p.detachLocked(&b, ks, in, "spawn_error")
		p.rebalanceLocked(&b, in.key.Language)
		p.mu.Unlock()
		p.finish(&b)
		return
	}
	p.installLocked(&b, ks, in, h, exit)
	if !p.serveWaiterLocked(&b, ks, in) {
		p.rebalanceLocked(&b, in.key.Language)
	}
	p.mu.Unlock()
	p.finish(&b)
}

// watch consumes the liveness channel of one process generation.
func (p *Pool) watch(in *instance, gen int, exit <-chan error) {
	defer p.wg.Done()
	select {
	case err := <-exit:
		p.processExited(in, gen, err)
	case <-p.ctx.Done():
	}
}

// terminate stops a detached process. The caller did p.wg.Add(1).
func (p *Pool) terminate(s stopReq) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TerminateTimeout)
	defer cancel()
	if err := p.cfg.Launcher.Terminate(ctx, s.h); err != nil {
		p.log.Warn().Err(err).Str("key", s.key.String()).Str("instance", s.id).Msg("terminate failed")
	}
}

// terminateNow stops a process that was started after its record went away.
func (p *Pool) terminateNow(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TerminateTimeout)
	defer cancel()
	if err := p.cfg.Launcher.Terminate(ctx, h); err != nil {
		p.log.Warn().Err(err).Int("pid", h.PID()).Msg("terminate failed")
	}
}
